package executor

import (
	"fmt"

	"github.com/chertdb/chert/catalog"
)

// PartitionedStorageBackend maps each column family's logical address space
// onto its disjoint window of the shared physical file, so N keyspaces share
// one file with O(1) descriptors. Reads go straight to a pooled handle;
// writes are staged through the coalescing cache. Out-of-window access is a
// programming error, reported as WindowViolationError rather than an I/O
// failure.
type PartitionedStorageBackend struct {
	pool  *FileHandlePool
	cache *CachedFile
	dir   *catalog.Directory
}

func NewPartitionedStorageBackend(pool *FileHandlePool, cache *CachedFile,
	dir *catalog.Directory,
) *PartitionedStorageBackend {
	return &PartitionedStorageBackend{pool: pool, cache: cache, dir: dir}
}

func (b *PartitionedStorageBackend) translate(cfID int32, off, length int64) (int64, error) {
	cf := b.dir.GetByID(cfID)
	if cf == nil {
		return 0, catalog.FamilyNotFound(fmt.Sprintf("id %d", cfID))
	}
	if off < 0 || off+length > cf.Bound {
		return 0, WindowViolationError(fmt.Sprintf(
			"cf %q: logical [%d, %d) exceeds bound %d", cf.Name, off, off+length, cf.Bound))
	}
	return cf.Base + off, nil
}

// Read fills p from the column family's logical offset.
func (b *PartitionedStorageBackend) Read(cfID int32, off int64, p []byte) error {
	phys, err := b.translate(cfID, off, int64(len(p)))
	if err != nil {
		return err
	}
	h := b.pool.Acquire()
	defer b.pool.Release(h)
	if _, err := h.ReadAt(p, phys); err != nil {
		return fmt.Errorf("read cf %d at %d (%d bytes): %w", cfID, off, len(p), err)
	}
	return nil
}

// StageWrites stages a batch of logical-offset writes for the column family
// and returns the cache flush generation they joined. Nothing reaches disk
// until Flush.
func (b *PartitionedStorageBackend) StageWrites(cfID int32, writes []PendingWrite) (int64, error) {
	phys := make([]PendingWrite, len(writes))
	for i, w := range writes {
		off, err := b.translate(cfID, w.Offset, int64(len(w.Data)))
		if err != nil {
			return 0, err
		}
		phys[i] = PendingWrite{Offset: off, Data: w.Data}
	}
	return b.cache.Stage(phys), nil
}

// Flush drains and writes the staged generation through the coalescing cache.
func (b *PartitionedStorageBackend) Flush(gen int64) error {
	return b.cache.Flush(gen)
}

// Extend grows the physical file so the column family's window is
// materialized through logical offset upTo. Growth delegates to the handle
// pool's growth lock; requests beyond the window bound are violations.
func (b *PartitionedStorageBackend) Extend(cfID int32, upTo int64) error {
	cf := b.dir.GetByID(cfID)
	if cf == nil {
		return catalog.FamilyNotFound(fmt.Sprintf("id %d", cfID))
	}
	if upTo > cf.Bound {
		return WindowViolationError(fmt.Sprintf(
			"cf %q: extend to %d exceeds bound %d", cf.Name, upTo, cf.Bound))
	}
	return b.pool.Grow(cf.Base + upTo)
}
