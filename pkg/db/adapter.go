package db

import (
	"io"

	"lsmkv/pkg/env"
	"lsmkv/pkg/filename"
)

// envStorage adapts env.Env to version.Storage's exact method set
// (io.WriteCloser/io.ReadCloser return types rather than env's named
// interfaces), the same narrow-interface seam pkg/version already
// defines so it never has to import pkg/env directly.
type envStorage struct {
	env    env.Env
	dbname string
}

func (s envStorage) NewWritableFile(name string) (io.WriteCloser, error) {
	return s.env.NewWritableFile(name)
}

func (s envStorage) NewSequentialFile(name string) (io.ReadCloser, error) {
	return s.env.NewSequentialFile(name)
}

func (s envStorage) Remove(name string) error { return s.env.Remove(name) }

func (s envStorage) Rename(oldname, newname string) error { return s.env.Rename(oldname, newname) }

// openTableFile builds a cache.OpenFileFunc backed by env, resolving a
// file number to its on-disk table path via pkg/filename.
func openTableFile(e env.Env, dbname string) func(fileNumber uint64) (io.ReaderAt, int64, io.Closer, error) {
	return func(fileNumber uint64) (io.ReaderAt, int64, io.Closer, error) {
		name := filename.TableFileName(dbname, fileNumber)
		size, err := e.FileSize(name)
		if err != nil {
			if legacy := filename.SSTTableFileName(dbname, fileNumber); e.Exists(legacy) {
				name = legacy
				size, err = e.FileSize(name)
			}
		}
		if err != nil {
			return nil, 0, nil, err
		}
		f, err := e.NewRandomAccessFile(name)
		if err != nil {
			return nil, 0, nil, err
		}
		return f, size, f, nil
	}
}
