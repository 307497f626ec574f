package executor

import (
	"fmt"
	"sort"
)

// WriteTxn is the single allowed in-flight write transaction of one column
// family. Pages are mutated copy-on-write: every dirtied page is assigned a
// fresh slot at commit, so concurrent snapshot readers keep observing the
// version they started from. Commit blocks until the staged pages are
// flushed and, when durability is enabled, until the WAL entry is confirmed
// durable via group commit.
type WriteTxn struct {
	in    *Instance
	cs    *cfState
	base  *pageTable
	dirty map[int64][]byte
	freed map[int64]bool
	done  bool
}

func (tx *WriteTxn) PageSize() int {
	return tx.in.pageSize
}

// ReadPage returns the page's content as seen by this transaction: its own
// uncommitted write if present, otherwise the committed version. Unmapped
// pages read as zeroes.
func (tx *WriteTxn) ReadPage(logical int64) ([]byte, error) {
	if tx.done {
		return nil, TxnDoneError(tx.cs.meta.Name)
	}
	if d, ok := tx.dirty[logical]; ok {
		out := make([]byte, len(d))
		copy(out, d)
		return out, nil
	}
	if tx.freed[logical] {
		return make([]byte, tx.in.pageSize), nil
	}
	return tx.in.readMapped(tx.cs, tx.base, logical)
}

// WritePage stages a full-page write. Partial pages are rejected: a flush
// either writes a full byte range or fails the transaction.
func (tx *WriteTxn) WritePage(logical int64, data []byte) error {
	if tx.done {
		return TxnDoneError(tx.cs.meta.Name)
	}
	if len(data) != tx.in.pageSize {
		return WrongSizeError(fmt.Sprintf("cf %q page %d: %d bytes, page size is %d",
			tx.cs.meta.Name, logical, len(data), tx.in.pageSize))
	}
	if logical < 0 {
		return WindowViolationError(fmt.Sprintf("cf %q: negative page %d", tx.cs.meta.Name, logical))
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	tx.dirty[logical] = buf
	delete(tx.freed, logical)
	return nil
}

// FreePage drops the page's mapping at commit, releasing its slot for reuse
// once no snapshot can still observe it.
func (tx *WriteTxn) FreePage(logical int64) error {
	if tx.done {
		return TxnDoneError(tx.cs.meta.Name)
	}
	delete(tx.dirty, logical)
	tx.freed[logical] = true
	return nil
}

// Commit stages the dirtied pages into the write cache, flushes them as
// coalesced positioned writes, appends the change-set to the WAL, waits for
// group commit per the durability mode, and finally publishes the new page
// table version. Any failure leaves the transaction uncommitted; the
// database stays usable for new transactions.
func (tx *WriteTxn) Commit() error {
	if tx.done {
		return TxnDoneError(tx.cs.meta.Name)
	}
	tx.done = true
	defer tx.cs.writeMu.Unlock()

	if len(tx.dirty) == 0 && len(tx.freed) == 0 {
		return nil
	}

	cs := tx.cs
	cur := cs.current.Load()
	if len(tx.dirty) == 0 {
		mapped := false
		for logical := range tx.freed {
			if _, ok := cur.pages[logical]; ok {
				mapped = true
				break
			}
		}
		if !mapped {
			return nil
		}
	}
	newTbl := cur.clone()
	cs.reclaim(newTbl)

	logicals := make([]int64, 0, len(tx.dirty))
	for logical := range tx.dirty {
		logicals = append(logicals, logical)
	}
	sort.Slice(logicals, func(i, j int) bool { return logicals[i] < logicals[j] })

	var (
		retired []int64
		writes  []PendingWrite
		changes []pageWrite
	)
	for _, logical := range logicals {
		data := tx.dirty[logical]
		if old, ok := newTbl.pages[logical]; ok {
			retired = append(retired, old)
		}
		slot := newTbl.allocSlot()
		newTbl.pages[logical] = slot
		writes = append(writes, PendingWrite{Offset: tx.in.slotWindowOffset(cs, slot), Data: data})
		changes = append(changes, pageWrite{logical: logical, slot: slot, data: data})
	}
	for logical := range tx.freed {
		if old, ok := newTbl.pages[logical]; ok {
			retired = append(retired, old)
			delete(newTbl.pages, logical)
			changes = append(changes, pageWrite{logical: logical, slot: -1})
		}
	}
	// Materialize the window through the highest allocated slot before any
	// positioned write can land there.
	needed := cs.meta.MetaPages*int64(tx.in.pageSize) + newTbl.nextSlot*int64(tx.in.pageSize)
	if err := tx.in.backend.Extend(cs.meta.ID, needed); err != nil {
		return fmt.Errorf("commit cf %q: %w", cs.meta.Name, err)
	}

	if len(writes) > 0 {
		gen, err := tx.in.backend.StageWrites(cs.meta.ID, writes)
		if err != nil {
			return fmt.Errorf("commit cf %q: %w", cs.meta.Name, err)
		}
		if err := tx.in.backend.Flush(gen); err != nil {
			return fmt.Errorf("commit cf %q: flush: %w", cs.meta.Name, err)
		}
	}

	seq, err := tx.in.walfile.Append(cs.meta.ID, serializeChangeSet(changes))
	if err != nil {
		return fmt.Errorf("commit cf %q: %w", cs.meta.Name, err)
	}
	if err := tx.in.walfile.Commit(seq); err != nil {
		return fmt.Errorf("commit cf %q: %w", cs.meta.Name, err)
	}

	newTbl.seq = seq
	cs.current.Store(newTbl)
	cs.retire(retired, seq)
	return nil
}

// Abort discards the transaction's writes and releases the family's write
// lock.
func (tx *WriteTxn) Abort() {
	if tx.done {
		return
	}
	tx.done = true
	tx.dirty = nil
	tx.freed = nil
	tx.cs.writeMu.Unlock()
}

// ReadTxn is a snapshot reader pinned to one published page table version.
// Readers never block and are never blocked by the family's writer.
type ReadTxn struct {
	in   *Instance
	cs   *cfState
	tbl  *pageTable
	done bool
}

func (tx *ReadTxn) PageSize() int {
	return tx.in.pageSize
}

func (tx *ReadTxn) ReadPage(logical int64) ([]byte, error) {
	if tx.done {
		return nil, TxnDoneError(tx.cs.meta.Name)
	}
	return tx.in.readMapped(tx.cs, tx.tbl, logical)
}

// Close releases the snapshot, allowing slots it pinned to be recycled.
func (tx *ReadTxn) Close() {
	if tx.done {
		return
	}
	tx.done = true
	tx.cs.unregisterSnapshot(tx)
}
