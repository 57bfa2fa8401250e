package db

import (
	"fmt"
	"path/filepath"

	"lsmkv/pkg/compaction"
	"lsmkv/pkg/filename"
	"lsmkv/pkg/iterator"
	"lsmkv/pkg/memtable"
	"lsmkv/pkg/sstable"
	"lsmkv/pkg/version"
)

// backgroundLoop is the database's single background worker: it flushes
// immutable memtable generations to disk and runs leveled compactions,
// reacting to the memtable's flush channel and to compactSignal wake-ups
// from writers and readers that observed a version needing compaction
// (spec.md §4.9).
func (d *db) backgroundLoop() {
	for {
		select {
		case t, ok := <-d.mem.FlushChan():
			if !ok {
				return
			}
			if err := d.flushImmutable(t); err != nil {
				d.setBGError(err)
				continue
			}
			if err := d.runCompactions(); err != nil {
				d.setBGError(err)
			}
		case <-d.compactSignal:
			if err := d.runCompactions(); err != nil {
				d.setBGError(err)
			}
		case <-d.closeCh:
			return
		}
	}
}

// flushImmutable writes one frozen memtable generation out as a new
// level-0 table file and commits it to the version set, stamping the
// edit's LogNumber so recovery knows this generation (and the WAL
// entries that produced it) no longer needs replaying.
func (d *db) flushImmutable(t *memtable.Table) error {
	if t.Len() == 0 {
		return d.cleanupObsoleteFiles()
	}

	w, number, finish, err := d.newOutputFile()
	if err != nil {
		return err
	}

	it := t.NewIterator()
	var smallest, largest []byte
	for it.First(); it.Valid(); it.Next() {
		if smallest == nil {
			smallest = append([]byte(nil), it.Key()...)
		}
		largest = append(largest[:0], it.Key()...)
		if err := w.Add(it.Key(), it.Value()); err != nil {
			return fmt.Errorf("writing flush output %d: %w", number, err)
		}
	}
	if err := w.Finish(); err != nil {
		return fmt.Errorf("finishing flush output %d: %w", number, err)
	}
	size, err := finish()
	if err != nil {
		return fmt.Errorf("closing flush output %d: %w", number, err)
	}

	edit := &version.Edit{}
	edit.AddFile(0, version.FileMetaData{Number: number, FileSize: uint64(size), Smallest: smallest, Largest: largest})

	d.fileNumMu.Lock()
	edit.LogNumber = d.logNumber
	edit.HasLogNumber = true
	d.fileNumMu.Unlock()

	if err := d.versions.LogAndApply(edit); err != nil {
		return fmt.Errorf("committing flush output %d: %w", number, err)
	}
	return d.cleanupObsoleteFiles()
}

// newOutputFile allocates a fresh file number and opens its writer,
// shared shape between flushImmutable and newCompactionOutputFile.
func (d *db) newOutputFile() (*sstable.Writer, uint64, func() (int64, error), error) {
	number := d.versions.NewFileNumber()
	path := filename.TableFileName(d.dbname, number)
	f, err := d.env.NewWritableFile(path)
	if err != nil {
		return nil, 0, nil, fmt.Errorf("creating table file %d: %w", number, err)
	}
	w := sstable.NewWriter(f, d.tableOptions())
	finish := func() (int64, error) {
		if err := f.Close(); err != nil {
			return 0, err
		}
		return d.env.FileSize(path)
	}
	return w, number, finish, nil
}

// runCompactions drives the version set's compaction picker until it
// reports nothing left to do.
func (d *db) runCompactions() error {
	for {
		c := version.PickCompaction(d.versions)
		if c == nil {
			return nil
		}
		if err := d.runOneCompaction(c); err != nil {
			c.Release()
			return err
		}
	}
}

// runOneCompaction executes one picked compaction: a pure metadata
// move for a trivial single-file relocation, or a full merge pass
// through pkg/compaction otherwise.
func (d *db) runOneCompaction(c *version.Compaction) error {
	defer c.Release()

	if c.IsTrivialMove() {
		edit := &version.Edit{}
		f := c.Inputs[0][0]
		edit.DeleteFile(c.Level, f.Number)
		edit.AddFile(c.OutputLevel(), *f)
		return d.versions.LogAndApply(edit)
	}

	var children []iterator.Iterator
	for _, f := range c.Inputs[0] {
		it, err := d.openTableIterator(f)
		if err != nil {
			return err
		}
		children = append(children, it)
	}
	for _, f := range c.Inputs[1] {
		it, err := d.openTableIterator(f)
		if err != nil {
			return err
		}
		children = append(children, it)
	}
	merged := iterator.NewMergingIterator(d.cmp, children)

	oldestSnapshot := d.snapshots.oldest(d.versions.LastSequence())

	_, edit, err := compaction.Run(c, d.cmp, merged, oldestSnapshot, d.newCompactionOutputFile())
	if err != nil {
		return err
	}

	if err := d.versions.LogAndApply(edit); err != nil {
		return err
	}
	for _, f := range c.Inputs[0] {
		d.tableCache.Evict(f.Number)
	}
	for _, f := range c.Inputs[1] {
		d.tableCache.Evict(f.Number)
	}
	return d.cleanupObsoleteFiles()
}

// newCompactionOutputFile adapts newOutputFile to compaction.NewTableFile.
func (d *db) newCompactionOutputFile() compaction.NewTableFile {
	return d.newOutputFile
}

// cleanupObsoleteFiles removes on-disk files no longer referenced by the
// live version or needed to recover it: table files not in LiveFiles,
// and log files older than the version set's current log number.
func (d *db) cleanupObsoleteFiles() error {
	live := d.versions.LiveFiles()
	d.fileNumMu.Lock()
	keepLog := d.logNumber
	d.fileNumMu.Unlock()
	manifestLog := d.versions.LogNumber()
	if manifestLog < keepLog {
		keepLog = manifestLog
	}

	names, err := d.env.ReadDir(d.dbname)
	if err != nil {
		return fmt.Errorf("listing database directory: %w", err)
	}

	for _, name := range names {
		number, ft, ok := filename.Parse(name)
		if !ok {
			continue
		}
		var remove bool
		switch ft {
		case filename.TypeTable:
			remove = !live.Contains(number)
			if remove {
				d.tableCache.Evict(number)
			}
		case filename.TypeLog:
			remove = number < keepLog
		case filename.TypeTemp:
			remove = true
		}
		if remove {
			d.env.Remove(filepath.Join(d.dbname, name))
		}
	}
	return nil
}
