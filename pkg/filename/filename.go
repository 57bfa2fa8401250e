// Package filename names and parses the on-disk files of one database
// directory, per spec.md §4.8: CURRENT, MANIFEST-<n>, <n>.log, <n>.ldb,
// LOCK, LOG/LOG.old.
package filename

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
)

// FileType distinguishes the kinds of files that live in a database
// directory.
type FileType int

const (
	TypeLog FileType = iota
	TypeTable
	TypeManifest
	TypeCurrent
	TypeLock
	TypeInfoLog
	TypeOldInfoLog
	TypeTemp
)

// LogFileName returns the WAL file name for the given log number.
func LogFileName(dbname string, number uint64) string {
	return filepath.Join(dbname, fmt.Sprintf("%06d.log", number))
}

// TableFileName returns the sstable file name for the given file number.
func TableFileName(dbname string, number uint64) string {
	return filepath.Join(dbname, fmt.Sprintf("%06d.ldb", number))
}

// SSTTableFileName returns the legacy ".sst" table file name, recognized
// on read for compatibility but never written.
func SSTTableFileName(dbname string, number uint64) string {
	return filepath.Join(dbname, fmt.Sprintf("%06d.sst", number))
}

// ManifestFileName returns the manifest file name for the given manifest
// file number.
func ManifestFileName(dbname string, number uint64) string {
	return filepath.Join(dbname, fmt.Sprintf("MANIFEST-%06d", number))
}

// CurrentFileName returns the CURRENT file's path, whose contents point
// at the active manifest file name.
func CurrentFileName(dbname string) string {
	return filepath.Join(dbname, "CURRENT")
}

// LockFileName returns the advisory LOCK file's path.
func LockFileName(dbname string) string {
	return filepath.Join(dbname, "LOCK")
}

// TempFileName returns a scratch file name used while writing a new
// CURRENT atomically.
func TempFileName(dbname string, number uint64) string {
	return filepath.Join(dbname, fmt.Sprintf("%06d.dbtmp", number))
}

// InfoLogFileName and OldInfoLogFileName name the rotating text log the
// database writes diagnostic messages to.
func InfoLogFileName(dbname string) string    { return filepath.Join(dbname, "LOG") }
func OldInfoLogFileName(dbname string) string { return filepath.Join(dbname, "LOG.old") }

// Parse classifies a bare file name (no directory component) found in a
// database directory, returning its type and, for numbered files, the
// embedded file number.
func Parse(name string) (number uint64, ft FileType, ok bool) {
	switch name {
	case "CURRENT":
		return 0, TypeCurrent, true
	case "LOCK":
		return 0, TypeLock, true
	case "LOG":
		return 0, TypeInfoLog, true
	case "LOG.old":
		return 0, TypeOldInfoLog, true
	}

	if rest, found := strings.CutPrefix(name, "MANIFEST-"); found {
		n, err := strconv.ParseUint(rest, 10, 64)
		if err != nil {
			return 0, 0, false
		}
		return n, TypeManifest, true
	}

	dot := strings.LastIndexByte(name, '.')
	if dot < 0 {
		return 0, 0, false
	}
	n, err := strconv.ParseUint(name[:dot], 10, 64)
	if err != nil {
		return 0, 0, false
	}
	switch name[dot+1:] {
	case "log":
		return n, TypeLog, true
	case "ldb", "sst":
		return n, TypeTable, true
	case "dbtmp":
		return n, TypeTemp, true
	}
	return 0, 0, false
}
