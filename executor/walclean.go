package executor

import (
	"fmt"
	"time"

	"github.com/chertdb/chert/utils"
	"github.com/chertdb/chert/utils/log"
)

// Checkpoint folds everything durable in the WAL into the main store and
// truncates the consumed log. The operation is retry-safe: the WAL entries
// being folded remain valid recovery input until the main-store fsync is
// itself confirmed durable, so a crash mid-checkpoint simply replays them
// again on the next open.
func (in *Instance) Checkpoint() error {
	in.ckptMu.Lock()
	defer in.ckptMu.Unlock()

	boundary := in.walfile.DurableBoundary()
	if hdr := in.header.Load(); hdr != nil && boundary <= hdr.CheckpointSeq {
		return nil
	}

	// Capture each family's page table under its write lock. A commit
	// holds the lock from WAL append through version publish, so every
	// entry at or below the boundary read above is covered by some
	// captured table.
	in.cfMu.Lock()
	states := make([]*cfState, 0, len(in.cfs))
	for _, cs := range in.cfs {
		states = append(states, cs)
	}
	in.cfMu.Unlock()

	gens := map[int64]struct{}{}
	for _, cs := range states {
		cs.writeMu.Lock()
		tbl := cs.current.Load()
		metaBuf, err := serializeMeta(tbl, int(cs.meta.MetaPages)*in.pageSize)
		if err != nil {
			cs.writeMu.Unlock()
			return fmt.Errorf("checkpoint cf %q: %w", cs.meta.Name, err)
		}
		gen, err := in.backend.StageWrites(cs.meta.ID, []PendingWrite{{Offset: 0, Data: metaBuf}})
		cs.writeMu.Unlock()
		if err != nil {
			return fmt.Errorf("checkpoint cf %q: %w", cs.meta.Name, err)
		}
		gens[gen] = struct{}{}
	}
	for gen := range gens {
		if err := in.cache.Flush(gen); err != nil {
			return fmt.Errorf("checkpoint flush: %w", err)
		}
	}
	if in.cfg.Durability != utils.DurabilityNone {
		if err := in.pool.Sync(); err != nil {
			return fmt.Errorf("checkpoint main-store fsync: %w", err)
		}
	}

	in.headerMu.Lock()
	err := in.persistHeader(boundary)
	in.headerMu.Unlock()
	if err != nil {
		return err
	}
	return in.walfile.CheckpointDone(boundary)
}

// runCheckpointer triggers checkpoints on whichever fires first of the
// configured time interval and the accumulated WAL byte threshold, and runs
// a final checkpoint on shutdown.
func (in *Instance) runCheckpointer() {
	defer in.wg.Done()

	checkEvery := in.cfg.CheckpointInterval / 20
	if checkEvery < 100*time.Millisecond {
		checkEvery = 100 * time.Millisecond
	}
	tickerCkpt := time.NewTicker(in.cfg.CheckpointInterval)
	tickerCheck := time.NewTicker(checkEvery)
	defer tickerCkpt.Stop()
	defer tickerCheck.Stop()

	for {
		select {
		case <-tickerCkpt.C:
			if err := in.Checkpoint(); err != nil {
				log.Error("periodic checkpoint failed: %v", err)
			}
		case <-tickerCheck.C:
			if in.walfile.Size() >= in.cfg.CheckpointWALBytes {
				if err := in.Checkpoint(); err != nil {
					log.Error("size-triggered checkpoint failed: %v", err)
				}
			}
		case <-in.shutdown:
			log.Info("checkpointing before close...")
			if err := in.Checkpoint(); err != nil {
				log.Error("final checkpoint failed: %v", err)
			}
			return
		}
	}
}
