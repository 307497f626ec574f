package executor

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-multierror"

	"github.com/chertdb/chert/catalog"
	"github.com/chertdb/chert/executor/wal"
	"github.com/chertdb/chert/utils"
	cio "github.com/chertdb/chert/utils/io"
	"github.com/chertdb/chert/utils/log"
)

const (
	storeFileName = "store.chert"
	walFileName   = "chert.wal"
)

// Instance is one open chert database: a single physical store file carved
// into per-column-family windows, a shared write-ahead log, a pooled handle
// set and a coalescing write cache. All shared state is constructed here at
// open time and torn down at Close; components hold explicit references to
// exactly the sub-resources they need.
type Instance struct {
	cfg      *utils.Config
	rootDir  string
	pageSize int

	pool    *FileHandlePool
	cache   *CachedFile
	backend *PartitionedStorageBackend
	dir     *catalog.Directory
	walfile *WALFile

	header   atomic.Pointer[StoreHeader]
	headerMu sync.Mutex
	ckptMu   sync.Mutex

	cfMu sync.Mutex
	cfs  map[int32]*cfState

	shutdown chan struct{}
	wg       sync.WaitGroup
	closed   atomic.Bool
}

// NewInstance opens or creates the database under rootDir and runs WAL
// recovery before returning. The instance is ready for transactions when the
// call returns.
func NewInstance(rootDir string, cfg *utils.Config) (*Instance, error) {
	if cfg == nil {
		cfg = utils.NewDefaultConfig()
	}
	if err := os.MkdirAll(rootDir, 0o700); err != nil {
		return nil, fmt.Errorf("create root directory %s: %w", rootDir, err)
	}

	open := OpenFunc(OpenOSFile)
	if cfg.DirectIO {
		if err := ValidateDirectPageSize(cfg.PageSize); err != nil {
			return nil, err
		}
		open = OpenDirectFile
	}

	storePath := filepath.Join(rootDir, storeFileName)
	pool, err := NewFileHandlePool(storePath, cfg.PoolSize, open)
	if err != nil {
		return nil, err
	}

	in := &Instance{
		cfg:      cfg,
		rootDir:  rootDir,
		pageSize: cfg.PageSize,
		pool:     pool,
		dir:      catalog.NewDirectory(),
		cfs:      map[int32]*cfState{},
		shutdown: make(chan struct{}),
	}
	in.cache = NewCachedFile(pool)
	in.backend = NewPartitionedStorageBackend(pool, in.cache, in.dir)

	fi, err := os.Stat(storePath)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("stat store file: %w", err)
	}
	pool.SetLength(fi.Size())

	if fi.Size() == 0 {
		if err := in.initStore(); err != nil {
			pool.Close()
			return nil, err
		}
	} else {
		if err := in.loadStore(fi.Size()); err != nil {
			pool.Close()
			return nil, err
		}
	}

	in.walfile, err = OpenWALFile(filepath.Join(rootDir, walFileName), cfg.Durability, cfg.CompressWAL)
	if err != nil {
		pool.Close()
		return nil, err
	}
	if err := in.recover(); err != nil {
		in.walfile.Close()
		pool.Close()
		return nil, err
	}

	in.wg.Add(1)
	go in.runCheckpointer()
	return in, nil
}

func (in *Instance) headerBytes() int64 {
	return int64(HeaderPages * in.pageSize)
}

// initStore lays out a fresh store file: grow to cover the header region,
// then declare it.
func (in *Instance) initStore() error {
	if err := in.pool.Grow(in.headerBytes()); err != nil {
		return err
	}
	return in.persistHeader(0)
}

func (in *Instance) loadStore(fileSize int64) error {
	// The header's fixed part carries the page size, so bootstrap with a
	// small read before fetching the full region.
	probe := make([]byte, 512)
	h := in.pool.Acquire()
	if _, err := h.ReadAt(probe, 0); err != nil {
		in.pool.Release(h)
		return fmt.Errorf("read store header probe: %w", err)
	}
	if cio.ToUInt32(probe[0:4]) != StoreMagic {
		in.pool.Release(h)
		return HeaderCorruptError("bad magic")
	}
	pageSize := int(cio.ToInt32(probe[8:12]))
	if pageSize < 512 {
		in.pool.Release(h)
		return HeaderCorruptError(fmt.Sprintf("implausible page size %d", pageSize))
	}
	if pageSize != in.cfg.PageSize {
		log.Warn("store page size %d overrides configured %d", pageSize, in.cfg.PageSize)
		in.pageSize = pageSize
	}

	region := make([]byte, in.headerBytes())
	_, err := h.ReadAt(region, 0)
	in.pool.Release(h)
	if err != nil {
		return fmt.Errorf("read store header region: %w", err)
	}
	hdr, err := ParseStoreHeader(region)
	if err != nil {
		return err
	}
	if fileSize < hdr.DeclaredLen {
		return ShortFileError(fmt.Sprintf("physical %d < declared %d", fileSize, hdr.DeclaredLen))
	}
	if err := in.dir.Load(hdr.Catalog); err != nil {
		return err
	}
	in.header.Store(hdr)

	for _, cf := range in.dir.All() {
		metaBuf := make([]byte, cf.MetaPages*int64(in.pageSize))
		if err := in.backend.Read(cf.ID, 0, metaBuf); err != nil {
			return fmt.Errorf("read meta region of cf %q: %w", cf.Name, err)
		}
		tbl, err := parseMeta(metaBuf)
		if err != nil {
			return fmt.Errorf("cf %q: %w", cf.Name, err)
		}
		in.cfs[cf.ID] = newCFState(cf, tbl)
	}
	return nil
}

// recover replays the durable WAL suffix through the normal page-write path
// and folds it with a checkpoint. A torn trailing entry bounds the replay;
// it is the expected crash signature, not an error.
func (in *Instance) recover() error {
	checkpoint := in.walfile.CheckpointSeq()
	replayed := 0
	gens := map[int64]struct{}{}

	lastSeq, endOff, err := in.walfile.ReadFrom(checkpoint+1, func(e wal.Entry) error {
		cs := in.cfs[e.CFID]
		if cs == nil {
			log.Warn("wal entry seq %d references unknown column family %d, skipping", e.Seq, e.CFID)
			return nil
		}
		changes, err := parseChangeSet(e.Payload)
		if err != nil {
			return wal.ReplayError(fmt.Sprintf("seq %d: %s", e.Seq, err.Error()))
		}
		tbl := cs.current.Load()
		for _, c := range changes {
			if c.data == nil {
				if old, ok := tbl.pages[c.logical]; ok {
					delete(tbl.pages, c.logical)
					tbl.free = append(tbl.free, old)
				}
				continue
			}
			if old, ok := tbl.pages[c.logical]; ok {
				tbl.free = append(tbl.free, old)
			}
			dropFromFree(tbl, c.slot)
			tbl.pages[c.logical] = c.slot
			if c.slot >= tbl.nextSlot {
				tbl.nextSlot = c.slot + 1
			}
			needed := cs.meta.MetaPages*int64(in.pageSize) + tbl.nextSlot*int64(in.pageSize)
			if err := in.backend.Extend(cs.meta.ID, needed); err != nil {
				return fmt.Errorf("replay seq %d: %w", e.Seq, err)
			}
			gen, err := in.backend.StageWrites(cs.meta.ID, []PendingWrite{
				{Offset: in.slotWindowOffset(cs, c.slot), Data: c.data},
			})
			if err != nil {
				return fmt.Errorf("replay seq %d: %w", e.Seq, err)
			}
			gens[gen] = struct{}{}
		}
		tbl.seq = e.Seq
		replayed++
		return nil
	})
	if err != nil {
		return err
	}

	for gen := range gens {
		if err := in.cache.Flush(gen); err != nil {
			return fmt.Errorf("flush replayed pages: %w", err)
		}
	}

	if lastSeq < checkpoint {
		lastSeq = checkpoint
	}
	if err := in.walfile.ResetTail(endOff, lastSeq); err != nil {
		return err
	}
	if replayed > 0 {
		log.Info("replayed %d wal entries through seq %d", replayed, lastSeq)
		if err := in.Checkpoint(); err != nil {
			return fmt.Errorf("post-recovery checkpoint: %w", err)
		}
	}
	return nil
}

func dropFromFree(tbl *pageTable, slot int64) {
	for i, s := range tbl.free {
		if s == slot {
			tbl.free = append(tbl.free[:i], tbl.free[i+1:]...)
			return
		}
	}
}

// slotWindowOffset returns a data slot's offset within its column family
// window (the backend translates it to a physical offset).
func (in *Instance) slotWindowOffset(cs *cfState, slot int64) int64 {
	return cs.meta.MetaPages*int64(in.pageSize) + slot*int64(in.pageSize)
}

// readMapped reads the page's committed content under the given table
// version. Unmapped pages read as zeroes.
func (in *Instance) readMapped(cs *cfState, tbl *pageTable, logical int64) ([]byte, error) {
	slot, ok := tbl.pages[logical]
	if !ok {
		return make([]byte, in.pageSize), nil
	}
	buf := make([]byte, in.pageSize)
	if err := in.backend.Read(cs.meta.ID, in.slotWindowOffset(cs, slot), buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// persistHeader serializes the catalog and current layout into the header
// region, writes it and makes it durable. The in-memory header is published
// as a fresh copy; readers load it without locks.
func (in *Instance) persistHeader(checkpointSeq int64) error {
	catalogBuf, err := in.dir.Serialize()
	if err != nil {
		return err
	}
	hdr := &StoreHeader{
		PageSize:      int32(in.pageSize),
		DeclaredLen:   in.pool.Length(),
		CheckpointSeq: checkpointSeq,
		Catalog:       catalogBuf,
	}
	region, err := hdr.Serialize(int(in.headerBytes()))
	if err != nil {
		return err
	}
	h := in.pool.Acquire()
	_, err = h.WriteAt(region, 0)
	in.pool.Release(h)
	if err != nil {
		return fmt.Errorf("write store header: %w", err)
	}
	if in.cfg.Durability != utils.DurabilityNone {
		if err := in.pool.Sync(); err != nil {
			return err
		}
	}
	in.header.Store(hdr)
	return nil
}

// Header returns the currently published store header.
func (in *Instance) Header() *StoreHeader {
	return in.header.Load()
}

// PageSize returns the store's page size in bytes.
func (in *Instance) PageSize() int {
	return in.pageSize
}

// WAL exposes the shared log, mainly for inspection in tests and tooling.
func (in *Instance) WAL() *WALFile {
	return in.walfile
}

// metaPagesFor sizes a window's meta region so a full page table fits.
func metaPagesFor(windowPages int64) int64 {
	mp := windowPages / 64
	if mp < 2 {
		mp = 2
	}
	return mp
}

// ColumnFamilyOrCreate returns the named column family, allocating a new
// window at the end of the current layout when it does not exist yet. The
// file is grown to cover the new window's meta region before the window is
// declared in the header, preserving the length invariant across crashes.
func (in *Instance) ColumnFamilyOrCreate(name string) (*catalog.ColumnFamily, error) {
	in.headerMu.Lock()
	defer in.headerMu.Unlock()

	if cf := in.dir.Get(name); cf != nil {
		return cf, nil
	}

	base := in.dir.HighWater()
	if base < in.headerBytes() {
		base = in.headerBytes()
	}
	metaPages := metaPagesFor(in.cfg.WindowPages)
	bound := in.cfg.WindowPages * int64(in.pageSize)

	if err := in.pool.Grow(base + metaPages*int64(in.pageSize)); err != nil {
		return nil, err
	}
	cf, err := in.dir.Create(name, base, bound, metaPages)
	if err != nil {
		return nil, err
	}
	in.cfMu.Lock()
	in.cfs[cf.ID] = newCFState(cf, newPageTable())
	in.cfMu.Unlock()

	hdr := in.header.Load()
	var checkpointSeq int64
	if hdr != nil {
		checkpointSeq = hdr.CheckpointSeq
	}
	if err := in.persistHeader(checkpointSeq); err != nil {
		return nil, err
	}
	return cf, nil
}

// ListColumnFamilies returns the existing family names in lexical order.
func (in *Instance) ListColumnFamilies() []string {
	return in.dir.List()
}

func (in *Instance) cfState(name string) (*cfState, error) {
	cf := in.dir.Get(name)
	if cf == nil {
		return nil, catalog.FamilyNotFound(name)
	}
	in.cfMu.Lock()
	cs := in.cfs[cf.ID]
	in.cfMu.Unlock()
	if cs == nil {
		return nil, catalog.FamilyNotFound(name)
	}
	return cs, nil
}

// BeginWrite starts the column family's single write transaction, blocking
// while another one is in flight.
func (in *Instance) BeginWrite(name string) (*WriteTxn, error) {
	cs, err := in.cfState(name)
	if err != nil {
		return nil, err
	}
	cs.writeMu.Lock()
	return &WriteTxn{
		in:    in,
		cs:    cs,
		base:  cs.current.Load(),
		dirty: map[int64][]byte{},
		freed: map[int64]bool{},
	}, nil
}

// BeginRead starts a snapshot read transaction pinned to the family's
// current version. It never blocks on writers.
func (in *Instance) BeginRead(name string) (*ReadTxn, error) {
	cs, err := in.cfState(name)
	if err != nil {
		return nil, err
	}
	tx := &ReadTxn{in: in, cs: cs}
	tx.tbl = cs.pinSnapshot(tx)
	return tx, nil
}

// Close checkpoints outstanding state, stops the background checkpointer and
// releases the handle set.
func (in *Instance) Close() error {
	if in.closed.Swap(true) {
		return nil
	}
	close(in.shutdown)
	in.wg.Wait()

	var errs *multierror.Error
	if err := in.walfile.Close(); err != nil {
		errs = multierror.Append(errs, err)
	}
	if err := in.pool.Close(); err != nil {
		errs = multierror.Append(errs, err)
	}
	return errs.ErrorOrNil()
}
