// Package osenv is the concrete, filesystem-backed env.Env a real
// database opens against: plain *os.File-backed sequential/random/
// writable files, an advisory LOCK file held via golang.org/x/sys/unix,
// and a goroutine-per-task Schedule, the same "just deep enough" shape
// as the teacher's own direct *os.File use in pkg/persistence/sstable.go
// and pkg/wal/wal.go, factored into one Env implementation.
package osenv

import (
	"log/slog"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"lsmkv/pkg/env"
)

// OS is the default, filesystem-backed Env.
type OS struct{}

// New returns an OS env.
func New() *OS { return &OS{} }

func (OS) NewSequentialFile(name string) (env.SequentialFile, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	return f, nil
}

// randomAccessFile wraps *os.File to satisfy env.RandomAccessFile
// (ReadAt + Close); *os.File already implements both, but the named
// type keeps the seam explicit for a future mmap-backed implementation.
type randomAccessFile struct{ *os.File }

func (OS) NewRandomAccessFile(name string) (env.RandomAccessFile, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	return randomAccessFile{f}, nil
}

// writableFile wraps *os.File so Sync is part of the interface contract
// rather than an incidental method on the concrete type.
type writableFile struct{ *os.File }

func (w writableFile) Sync() error { return w.File.Sync() }

func (OS) NewWritableFile(name string) (env.WritableFile, error) {
	f, err := os.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, err
	}
	return writableFile{f}, nil
}

func (OS) Remove(name string) error { return os.Remove(name) }

func (OS) Rename(oldname, newname string) error { return os.Rename(oldname, newname) }

func (OS) MkdirAll(dir string) error { return os.MkdirAll(dir, 0755) }

func (OS) Exists(name string) bool {
	_, err := os.Stat(name)
	return err == nil
}

func (OS) ReadDir(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names, nil
}

func (OS) FileSize(name string) (int64, error) {
	fi, err := os.Stat(name)
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

// fileLock holds an advisory, whole-file exclusive lock acquired via
// unix.Flock, released on Unlock.
type fileLock struct {
	f *os.File
}

// LockFile opens (creating if needed) and flock(2)s name exclusively,
// non-blocking, so a second process opening the same database directory
// fails fast instead of hanging (spec.md §5's single-process-per-
// directory invariant).
func (OS) LockFile(name string) (env.FileLock, error) {
	f, err := os.OpenFile(name, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, err
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, err
	}
	return &fileLock{f: f}, nil
}

func (l *fileLock) Unlock() error {
	if err := unix.Flock(int(l.f.Fd()), unix.LOCK_UN); err != nil {
		l.f.Close()
		return err
	}
	return l.f.Close()
}

// Schedule runs fn on its own goroutine, logging a recovered panic
// rather than crashing the process, the same defensive shape as the
// teacher's pkg/listener.Listener driver loop.
func (OS) Schedule(fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("osenv: scheduled task panicked", "recover", r)
			}
		}()
		fn()
	}()
}

// AbsPath joins dir and name, normalizing through filepath.Join so
// callers never hand-concatenate path separators.
func AbsPath(dir, name string) string { return filepath.Join(dir, name) }
