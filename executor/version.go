package executor

import (
	"bytes"
	"crypto/md5"
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/chertdb/chert/catalog"
	"github.com/chertdb/chert/utils/io"
)

// pageTable is one immutable version of a column family's logical page to
// physical slot mapping. Commits publish a fresh copy through cfState.current
// (copy-on-write); snapshot readers keep whatever version they loaded at
// begin time, so readers never block writers and are never blocked by them.
type pageTable struct {
	// seq is the WAL sequence of the commit that published this version.
	seq int64
	// pages maps logical page number to slot index in the window's data
	// region.
	pages map[int64]int64
	// nextSlot is the first never-allocated slot.
	nextSlot int64
	// free lists slots available for reuse as of this version.
	free []int64
}

func newPageTable() *pageTable {
	return &pageTable{pages: map[int64]int64{}}
}

func (t *pageTable) clone() *pageTable {
	pages := make(map[int64]int64, len(t.pages))
	for k, v := range t.pages {
		pages[k] = v
	}
	free := make([]int64, len(t.free))
	copy(free, t.free)
	return &pageTable{seq: t.seq, pages: pages, nextSlot: t.nextSlot, free: free}
}

// allocSlot takes a slot from the free list or extends the slot range.
func (t *pageTable) allocSlot() int64 {
	if n := len(t.free); n > 0 {
		slot := t.free[n-1]
		t.free = t.free[:n-1]
		return slot
	}
	slot := t.nextSlot
	t.nextSlot++
	return slot
}

type retiredSlot struct {
	slot int64
	// retireSeq is the commit sequence that unmapped the slot. The slot
	// may be reused once no active snapshot predates it.
	retireSeq int64
}

// cfState is the live, in-memory state of one column family.
type cfState struct {
	meta *catalog.ColumnFamily

	// writeMu enforces the single in-flight write transaction per family.
	writeMu sync.Mutex

	current atomic.Pointer[pageTable]

	snapMu  sync.Mutex
	snaps   map[*ReadTxn]int64
	retired []retiredSlot
}

func newCFState(meta *catalog.ColumnFamily, tbl *pageTable) *cfState {
	s := &cfState{
		meta:  meta,
		snaps: map[*ReadTxn]int64{},
	}
	s.current.Store(tbl)
	return s
}

// pinSnapshot captures the current table version and registers the reader
// against it in one critical section. Commits retire slots under the same
// lock, so a retire can never slip between a reader loading a version and
// announcing itself, which would let reclaim free a slot the reader's table
// still references.
func (s *cfState) pinSnapshot(r *ReadTxn) *pageTable {
	s.snapMu.Lock()
	defer s.snapMu.Unlock()
	tbl := s.current.Load()
	s.snaps[r] = tbl.seq
	return tbl
}

func (s *cfState) unregisterSnapshot(r *ReadTxn) {
	s.snapMu.Lock()
	delete(s.snaps, r)
	s.snapMu.Unlock()
}

// minActiveSeq returns the oldest sequence any live snapshot is pinned to,
// or MaxInt64 when no snapshot is active.
func (s *cfState) minActiveSeq() int64 {
	s.snapMu.Lock()
	defer s.snapMu.Unlock()
	min := int64(math.MaxInt64)
	for _, seq := range s.snaps {
		if seq < min {
			min = seq
		}
	}
	return min
}

// retire records slots unmapped by the commit at retireSeq.
func (s *cfState) retire(slots []int64, retireSeq int64) {
	if len(slots) == 0 {
		return
	}
	s.snapMu.Lock()
	for _, slot := range slots {
		s.retired = append(s.retired, retiredSlot{slot: slot, retireSeq: retireSeq})
	}
	s.snapMu.Unlock()
}

// reclaim moves retired slots no active snapshot can still observe onto the
// table's free list. Called by the next committing writer.
func (s *cfState) reclaim(into *pageTable) {
	minSeq := s.minActiveSeq()
	s.snapMu.Lock()
	kept := s.retired[:0]
	for _, r := range s.retired {
		if r.retireSeq <= minSeq {
			into.free = append(into.free, r.slot)
		} else {
			kept = append(kept, r)
		}
	}
	s.retired = kept
	s.snapMu.Unlock()
}

// metaImage is the persisted form of a pageTable, written into the column
// family's meta region at checkpoint time.
type metaImage struct {
	Seq      int64           `msgpack:"seq"`
	Pages    map[int64]int64 `msgpack:"pages"`
	NextSlot int64           `msgpack:"next_slot"`
	Free     []int64         `msgpack:"free"`
}

func serializeMeta(t *pageTable, regionSize int) ([]byte, error) {
	img := metaImage{Seq: t.seq, Pages: t.pages, NextSlot: t.nextSlot, Free: t.free}
	body, err := msgpack.Marshal(&img)
	if err != nil {
		return nil, err
	}
	buf := io.AppendInt32(make([]byte, 0, len(body)+4+md5.Size), int32(len(body)))
	buf = append(buf, body...)
	hash := md5.New()
	hash.Write(buf)
	buf = hash.Sum(buf)
	if len(buf) > regionSize {
		return nil, MetaOverflowError(t.String())
	}
	return append(buf, make([]byte, regionSize-len(buf))...), nil
}

func (t *pageTable) String() string {
	return fmt.Sprintf("pageTable{pages:%d nextSlot:%d}", len(t.pages), t.nextSlot)
}

// parseMeta decodes a meta region. An all-zero region (freshly created
// family, never checkpointed) yields an empty table.
func parseMeta(buf []byte) (*pageTable, error) {
	if len(buf) < 4+md5.Size {
		return newPageTable(), nil
	}
	bodyLen := int(io.ToInt32(buf[0:4]))
	if bodyLen <= 0 || 4+bodyLen+md5.Size > len(buf) {
		return newPageTable(), nil
	}
	content := buf[:4+bodyLen]
	hash := md5.New()
	hash.Write(content)
	if !bytes.Equal(hash.Sum(nil), buf[4+bodyLen:4+bodyLen+md5.Size]) {
		return nil, HeaderCorruptError("column family meta checksum mismatch")
	}
	var img metaImage
	if err := msgpack.Unmarshal(buf[4:4+bodyLen], &img); err != nil {
		return nil, HeaderCorruptError("column family meta undecodable: " + err.Error())
	}
	tbl := &pageTable{seq: img.Seq, pages: img.Pages, nextSlot: img.NextSlot, free: img.Free}
	if tbl.pages == nil {
		tbl.pages = map[int64]int64{}
	}
	return tbl, nil
}
