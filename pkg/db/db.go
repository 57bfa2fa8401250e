// Package db ties every on-disk and in-memory component together into
// the embedded key-value store described in spec.md §4.9: a writer
// queue that coalesces concurrent callers into one physical log append
// per round (grounded on the teacher's pkg/store.Store and its single
// listener.Listener-driven write path), and a single background
// goroutine that reacts to memtable rotations and version compaction
// scores the way the teacher's pkg/store/flusher.go reacted to sorted
// sets, except writing real pkg/sstable tables and committing them
// through pkg/version.VersionSet rather than a JSON manifest.
package db

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"lsmkv/pkg/batch"
	"lsmkv/pkg/cache"
	"lsmkv/pkg/config"
	"lsmkv/pkg/dberrors"
	"lsmkv/pkg/env"
	"lsmkv/pkg/env/osenv"
	"lsmkv/pkg/filename"
	"lsmkv/pkg/iterator"
	"lsmkv/pkg/memtable"
	"lsmkv/pkg/sstable"
	"lsmkv/pkg/types"
	"lsmkv/pkg/version"
	"lsmkv/pkg/wal"
)

// l0SlowdownWritesTrigger and l0StopWritesTrigger bound how many level-0
// files may accumulate before writers are throttled, then stalled,
// giving compaction time to catch up (spec.md §5's write-stall rule).
const (
	l0SlowdownWritesTrigger = 8
	l0StopWritesTrigger     = 12
)

// DB is the public key-value API spec.md §4.9 names.
type DB interface {
	Get(ctx context.Context, key types.Key, opts config.ReadOptions) (types.Value, error)
	Put(ctx context.Context, key types.Key, value types.Value, opts config.WriteOptions) error
	Delete(ctx context.Context, key types.Key, opts config.WriteOptions) error
	Write(ctx context.Context, b *batch.Batch, opts config.WriteOptions) error

	NewIterator(opts config.ReadOptions) (iterator.Iterator, error)
	GetSnapshot() config.Snapshot
	ReleaseSnapshot(s config.Snapshot)

	CompactRange(begin, end types.Key) error
	GetApproximateSizes(ranges []Range) []uint64
	GetProperty(name string) (string, bool)

	Close() error
}

// db implements DB. The name is unexported; callers only ever see it
// through Open's returned DB interface.
type db struct {
	dbname string
	opts   config.Options
	env    env.Env
	cmp    *types.InternalKeyComparator
	lock   env.FileLock

	mem *memtable.Memtable

	versions   *version.VersionSet
	blockCache *cache.Sharded
	tableCache *cache.TableCache

	wal         *wal.WAL
	walFile     env.WritableFile
	fileNumMu   sync.Mutex
	logNumber   uint64

	writeMu   sync.Mutex
	writeCond *sync.Cond
	writers   []*writer

	snapshots *snapshotList

	bgMu sync.Mutex
	bgErr error

	compactSignal chan struct{}
	closeCh       chan struct{}
	closeOnce     sync.Once
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
}

// Open opens (or, if opts.CreateIfMissing, creates) the database
// directory named by dbname. A nil env uses the real filesystem
// (pkg/env/osenv).
func Open(dbname string, opts config.Options, e env.Env) (DB, error) {
	if e == nil {
		e = osenv.New()
	}
	if !e.Exists(dbname) {
		if !opts.CreateIfMissing {
			return nil, dberrors.New(dberrors.CodeInvalidArgument, "database does not exist: "+dbname)
		}
		if err := e.MkdirAll(dbname); err != nil {
			return nil, dberrors.Wrap(dberrors.CodeIOError, "create database directory", err)
		}
	} else if opts.ErrorIfExists {
		return nil, dberrors.New(dberrors.CodeInvalidArgument, "database already exists: "+dbname)
	}

	lock, err := e.LockFile(filename.LockFileName(dbname))
	if err != nil {
		return nil, dberrors.Wrap(dberrors.CodeIOError, "lock database directory", err)
	}

	cmp := types.NewInternalKeyComparator(types.BytewiseComparator)
	vs := version.NewVersionSet(dbname, cmp, envStorage{env: e, dbname: dbname})

	ctx, cancel := context.WithCancel(context.Background())
	d := &db{
		dbname:        dbname,
		opts:          opts,
		env:           e,
		cmp:           cmp,
		lock:          lock,
		versions:      vs,
		snapshots:     newSnapshotList(),
		compactSignal: make(chan struct{}, 1),
		closeCh:       make(chan struct{}),
		ctx:           ctx,
		cancel:        cancel,
	}
	d.writeCond = sync.NewCond(&d.writeMu)

	blockCacheBytes := opts.BlockCacheCapacity
	if blockCacheBytes <= 0 {
		blockCacheBytes = 8 << 20
	}
	d.blockCache = cache.New(blockCacheBytes)
	maxOpenFiles := opts.MaxOpenFiles
	if maxOpenFiles <= 0 {
		maxOpenFiles = 1000
	}
	d.tableCache = cache.NewTableCache(maxOpenFiles, openTableFile(e, dbname), d.tableOptions(), d.blockCache)

	recovered := e.Exists(filename.CurrentFileName(dbname))
	if recovered {
		if err := vs.Recover(); err != nil {
			lock.Unlock()
			return nil, err
		}
	} else if !opts.CreateIfMissing {
		lock.Unlock()
		return nil, dberrors.New(dberrors.CodeInvalidArgument, "no manifest and create_if_missing is false")
	}

	writeBufferSize := uint64(opts.WriteBufferSize)
	if writeBufferSize == 0 {
		writeBufferSize = 4 << 20
	}
	d.mem = memtable.New(cmp, writeBufferSize, 4, 8)
	d.mem.SetOnRotate(d.handleRotate)

	if recovered {
		if err := d.replayLog(); err != nil {
			lock.Unlock()
			return nil, err
		}
	}

	if err := d.openNewWAL(); err != nil {
		lock.Unlock()
		return nil, err
	}

	if !recovered {
		edit := &version.Edit{
			ComparatorName: cmp.Name(), HasComparator: true,
			LogNumber: d.logNumber, HasLogNumber: true,
			LastSequence: 0, HasLastSeq: true,
		}
		if err := vs.LogAndApply(edit); err != nil {
			lock.Unlock()
			return nil, err
		}
	}

	d.wg.Add(1)
	d.env.Schedule(func() {
		defer d.wg.Done()
		d.backgroundLoop()
	})
	return d, nil
}

// replayLog replays the write-ahead log named by the recovered
// VersionSet's log number into the fresh memtable, restoring every
// mutation not yet captured by an on-disk table.
func (d *db) replayLog() error {
	number := d.versions.LogNumber()
	path := filename.LogFileName(d.dbname, number)
	if !d.env.Exists(path) {
		return nil
	}
	f, err := d.env.NewSequentialFile(path)
	if err != nil {
		return dberrors.Wrap(dberrors.CodeIOError, "open log for replay", err)
	}
	defer f.Close()

	var maxSeq types.SequenceNumber
	err = wal.Replay(f, d.opts.ParanoidChecks, func(payload []byte) error {
		b, err := batch.SetContents(payload)
		if err != nil {
			return err
		}
		if err := b.InsertInto(d.mem); err != nil {
			return err
		}
		last := b.Sequence() + types.SequenceNumber(b.Count()) - 1
		if last > maxSeq {
			maxSeq = last
		}
		return nil
	})
	if err != nil {
		return dberrors.Wrap(dberrors.CodeCorruption, "replay log", err)
	}
	d.versions.SetLastSequence(maxSeq)
	d.versions.MarkFileNumberUsed(number)
	return nil
}

// openNewWAL rolls to a freshly numbered log file, closing whatever WAL
// was open before. Called once at startup and again, synchronously
// under writeMu, every time the memtable rotates (via handleRotate), so
// the log in force always matches the memtable generation it backs.
func (d *db) openNewWAL() error {
	number := d.versions.NewFileNumber()
	path := filename.LogFileName(d.dbname, number)
	f, err := d.env.NewWritableFile(path)
	if err != nil {
		return dberrors.Wrap(dberrors.CodeIOError, "create log file", err)
	}
	w := wal.New(f)
	w.Start(d.ctx)

	old := d.wal
	d.wal = w
	d.walFile = f
	d.fileNumMu.Lock()
	d.logNumber = number
	d.fileNumMu.Unlock()

	if old != nil {
		old.Stop()
		old.Close()
	}
	return nil
}

// handleRotate is the memtable's OnRotate hook. It runs synchronously
// inside Memtable.Add, on the writer goroutine currently holding
// writeMu as the write-queue leader, so rolling the WAL here never
// races with a concurrent writer reading d.wal.
func (d *db) handleRotate(*memtable.Table) {
	if err := d.openNewWAL(); err != nil {
		d.setBGError(err)
	}
}

// writer is one queued mutation awaiting its turn to lead or be
// coalesced into a write group (spec.md §5).
type writer struct {
	batch     *batch.Batch
	sync      bool
	committed bool
	err       error
}

// Write applies every mutation in b atomically, assigning it the next
// sequence number(s) and appending it to the write-ahead log before
// returning, unless it is merged as a follower into a concurrent
// leader's group (in which case the leader does this on its behalf).
func (d *db) Write(ctx context.Context, b *batch.Batch, opts config.WriteOptions) error {
	w := &writer{batch: b, sync: opts.Sync}

	d.writeMu.Lock()
	d.writers = append(d.writers, w)
	for !w.committed && d.writers[0] != w {
		d.writeCond.Wait()
	}
	if w.committed {
		d.writeMu.Unlock()
		return w.err
	}

	if err := d.makeRoomForWrite(); err != nil {
		d.writers = d.writers[1:]
		d.writeCond.Broadcast()
		d.writeMu.Unlock()
		return err
	}

	group, members, synced := d.buildGroup(w)

	base := d.versions.LastSequence() + 1
	group.SetSequence(base)

	err := d.applyGroup(group, synced)
	if err == nil {
		d.versions.SetLastSequence(base + types.SequenceNumber(group.Count()) - 1)
	} else {
		d.setBGError(err)
	}

	for _, m := range members {
		m.err = err
		m.committed = true
	}
	d.writers = d.writers[len(members):]
	d.writeCond.Broadcast()
	d.writeMu.Unlock()

	if err == nil {
		d.triggerBackgroundWork()
	}
	return err
}

// buildGroup coalesces the leader's batch with as many immediately
// queued followers as fit under the group size cap, stopping early
// before a follower that wants a synced write if the group so far does
// not, so that writer is not delayed further than it has to be.
func (d *db) buildGroup(leader *writer) (*batch.Batch, []*writer, bool) {
	merged, _ := batch.SetContents(append([]byte(nil), leader.batch.Contents()...))
	members := []*writer{leader}
	synced := leader.sync

	const maxGroupBytes = 1 << 20
	limit := maxGroupBytes
	if merged.ByteSize() > limit/2 {
		limit = merged.ByteSize() + (128 << 10)
	}

	for i := 1; i < len(d.writers); i++ {
		w := d.writers[i]
		if w.sync && !synced {
			break
		}
		if merged.ByteSize()+w.batch.ByteSize() > limit {
			break
		}
		merged.Append(w.batch)
		if w.sync {
			synced = true
		}
		members = append(members, w)
	}
	return merged, members, synced
}

// applyGroup appends group to the write-ahead log, waits for it to be
// durable, then replays it into the memtable. sync requests an fsync of
// the log before the group is acknowledged, per spec.md §6's
// WriteOptions.Sync; it is true whenever any writer folded into group
// asked for one.
func (d *db) applyGroup(group *batch.Batch, sync bool) error {
	d.wal.Append(wal.Write{Sequence: uint64(group.Sequence()), Payload: group.Contents(), Sync: sync})
	acked := <-d.wal.Done()
	if acked != uint64(group.Sequence()) {
		return dberrors.New(dberrors.CodeIOError, "write-ahead log acknowledged out of order")
	}
	return group.InsertInto(d.mem)
}

// makeRoomForWrite throttles, then stalls, new writes once level 0
// accumulates too many files for compaction to keep up with, following
// the same two-threshold shape as spec.md §5's write-stall rule. It
// must be called with writeMu held, and may release and reacquire it
// while waiting.
func (d *db) makeRoomForWrite() error {
	for {
		if err := d.bgError(); err != nil {
			return err
		}

		ver := d.versions.RefCurrent()
		n := len(ver.Files(0))
		d.versions.UnrefVersion(ver)

		if n < l0SlowdownWritesTrigger {
			return nil
		}
		if n < l0StopWritesTrigger {
			d.writeMu.Unlock()
			time.Sleep(time.Millisecond)
			d.writeMu.Lock()
			return nil
		}
		d.writeMu.Unlock()
		time.Sleep(10 * time.Millisecond)
		d.writeMu.Lock()
	}
}

// Put appends one set mutation as a single-entry batch.
func (d *db) Put(ctx context.Context, key types.Key, value types.Value, opts config.WriteOptions) error {
	b := batch.New()
	b.Put(key, value)
	return d.Write(ctx, b, opts)
}

// Delete appends one tombstone mutation as a single-entry batch.
func (d *db) Delete(ctx context.Context, key types.Key, opts config.WriteOptions) error {
	b := batch.New()
	b.Delete(key)
	return d.Write(ctx, b, opts)
}

// Get looks up key as of opts' snapshot (or the database's latest
// sequence), checking the memtable before any on-disk level.
func (d *db) Get(ctx context.Context, key types.Key, opts config.ReadOptions) (types.Value, error) {
	seq := d.sequenceForRead(opts.Snapshot)

	if v, deleted, ok := d.mem.Get(key, seq); ok {
		if deleted {
			return nil, dberrors.ErrNotFound
		}
		return v, nil
	}

	ver := d.versions.RefCurrent()
	defer d.versions.UnrefVersion(ver)

	value, deleted, found, err := ver.Get(key, seq, d.findInLevel)
	if err != nil {
		return nil, err
	}
	if ver.NeedsCompaction() {
		d.triggerBackgroundWork()
	}
	if !found || deleted {
		return nil, dberrors.ErrNotFound
	}
	return value, nil
}

// findInLevel is version.Version.Get's lookup callback: it opens (or
// reuses) fileNumber's table through the table cache and performs the
// actual block-level lookup.
func (d *db) findInLevel(f *version.FileMetaData, internalKey []byte) (value []byte, deleted bool, ok bool, err error) {
	t, err := d.tableCache.FindTable(f.Number)
	if err != nil {
		return nil, false, false, err
	}

	var gotKey, gotValue []byte
	found := false
	gerr := t.Get(internalKey, func(k, v []byte) {
		gotKey = append([]byte(nil), k...)
		gotValue = append([]byte(nil), v...)
		found = true
	})
	if gerr != nil {
		if dberrors.IsCode(gerr, dberrors.CodeNotFound) {
			return nil, false, false, nil
		}
		return nil, false, false, gerr
	}
	if !found {
		return nil, false, false, nil
	}
	return gotValue, types.ValueTypeOf(gotKey) == types.TypeDeletion, true, nil
}

// tableOptions builds the sstable.Options every table in this database
// is written and read with, from the database's persistent Options.
func (d *db) tableOptions() sstable.Options {
	opts := sstable.DefaultOptions()
	opts.Comparator = d.cmp
	if d.opts.BlockSize > 0 {
		opts.BlockSize = d.opts.BlockSize
	}
	if d.opts.BlockRestartInterval > 0 {
		opts.RestartInterval = d.opts.BlockRestartInterval
	}
	opts.Compression = d.opts.Compression
	if d.opts.FilterBitsPerKey > 0 {
		opts.FilterBitsPerKey = d.opts.FilterBitsPerKey
	}
	return opts
}

func (d *db) bgError() error {
	d.bgMu.Lock()
	defer d.bgMu.Unlock()
	return d.bgErr
}

func (d *db) setBGError(err error) {
	if err == nil {
		return
	}
	d.bgMu.Lock()
	if d.bgErr == nil {
		d.bgErr = err
		slog.Error("lsmkv: background error", "error", err)
	}
	d.bgMu.Unlock()
}

// openTableIterator opens an iterator.Iterator over one table file
// through the table cache, the OpenTableIterator callback
// iterator.NewLevelIterator and pkg/compaction's input readers both use.
func (d *db) openTableIterator(f *version.FileMetaData) (iterator.Iterator, error) {
	t, err := d.tableCache.FindTable(f.Number)
	if err != nil {
		return nil, err
	}
	return t.NewIterator(), nil
}

// maxCompactRangeRounds bounds how many compactions CompactRange will
// drive to quiescence, since the exported version.PickCompaction surface
// offers no way to target an exact level or key range directly: this
// walks the general picker repeatedly for as long as some level still
// overlapping [begin, end] needs compacting.
const maxCompactRangeRounds = 64

// CompactRange runs the compaction picker (runCompactions) for as long
// as some file in any level overlaps [begin, end], up to
// maxCompactRangeRounds rounds. It compacts only what the picker selects
// (a level scoring at least 1.0 or a file flagged by seek statistics);
// it does not force a compaction of an overlapping level the picker
// leaves alone. A nil begin or end means "unbounded" on that side.
func (d *db) CompactRange(begin, end types.Key) error {
	for round := 0; round < maxCompactRangeRounds; round++ {
		ver := d.versions.RefCurrent()
		overlaps := false
		for level := 0; level < version.NumLevels && !overlaps; level++ {
			for _, f := range ver.Files(level) {
				if d.levelFileOverlaps(f, begin, end) {
					overlaps = true
					break
				}
			}
		}
		d.versions.UnrefVersion(ver)
		if !overlaps {
			return nil
		}
		if err := d.runCompactions(); err != nil {
			return err
		}
	}
	return nil
}

// levelFileOverlaps reports whether f's user-key range intersects
// [begin, end] (either bound nil meaning unbounded).
func (d *db) levelFileOverlaps(f *version.FileMetaData, begin, end types.Key) bool {
	if begin != nil && d.cmp.User.Compare(types.UserKey(f.Largest), begin) < 0 {
		return false
	}
	if end != nil && d.cmp.User.Compare(types.UserKey(f.Smallest), end) > 0 {
		return false
	}
	return true
}

func (d *db) triggerBackgroundWork() {
	select {
	case d.compactSignal <- struct{}{}:
	default:
	}
}

// Close stops the background worker and releases every open resource.
// It is safe to call more than once.
func (d *db) Close() error {
	d.closeOnce.Do(func() {
		close(d.closeCh)
		d.cancel()
	})
	d.wg.Wait()

	d.mem.Close()
	if d.wal != nil {
		d.wal.Stop()
		d.wal.Close()
	}
	d.tableCache.Close()

	if err := d.versions.Close(); err != nil {
		d.lock.Unlock()
		return err
	}
	return d.lock.Unlock()
}
