// Package env defines the filesystem and scheduling surface every core
// lsmkv component depends on, kept as a narrow interface per spec.md §1
// (the concrete Env is an out-of-scope implementation detail, but
// components are written against this interface so a future in-memory
// or networked Env could stand in for tests). pkg/env/osenv is the
// concrete, just-deep-enough implementation backing a real database
// directory.
package env

import "io"

// SequentialFile is read front-to-back only, the access pattern for
// replaying a WAL or manifest file.
type SequentialFile interface {
	io.ReadCloser
}

// RandomAccessFile supports unordered reads at arbitrary offsets, the
// access pattern table files need for block and footer lookups.
type RandomAccessFile interface {
	io.ReaderAt
	io.Closer
}

// WritableFile is appended to sequentially and explicitly flushed/synced,
// the access pattern for the live WAL, the manifest, and table files
// under construction.
type WritableFile interface {
	io.Writer
	io.Closer
	Sync() error
}

// FileLock represents an advisory lock held on a database's LOCK file
// for the process's lifetime (spec.md §5).
type FileLock interface {
	Unlock() error
}

// Env is the filesystem and background-scheduling surface a database
// opens against. Its file methods return this package's file types, so
// it is not itself a version.Storage or a pkg/cache.OpenFileFunc;
// pkg/db, the only component that wires a concrete Env into both,
// adapts it to them (adapter.go), so neither of those packages imports
// this one.
type Env interface {
	NewSequentialFile(name string) (SequentialFile, error)
	NewRandomAccessFile(name string) (RandomAccessFile, error)
	NewWritableFile(name string) (WritableFile, error)

	Remove(name string) error
	Rename(oldname, newname string) error
	MkdirAll(dir string) error
	Exists(name string) bool
	ReadDir(dir string) ([]string, error)
	FileSize(name string) (int64, error)

	LockFile(name string) (FileLock, error)

	// Schedule runs fn on a background goroutine, the hook pkg/db uses
	// to drive its single flush/compaction worker without depending on
	// a concrete scheduler.
	Schedule(fn func())
}
