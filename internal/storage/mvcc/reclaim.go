// Licensed under the MIT License. See LICENSE file in the project root for details.

package mvcc

import (
	"github.com/kianostad/epochgc/internal/concurrency/queue"
	"github.com/kianostad/epochgc/internal/concurrency/txn"
	"github.com/kianostad/epochgc/internal/storage"
)

// Reclaim frees the storage of every transaction previously unlinked on this
// worker: tuple slots are reset and recycled, dropped objects are removed
// from the catalog and the transaction context is released. It returns the
// number of transactions reclaimed.
func (gc *GC) Reclaim(threadID int) int {
	w := gc.worker(threadID)
	if len(w.reclaim) == 0 {
		return 0
	}

	start := gc.clock.Now()
	tuples := 0
	for _, c := range w.reclaim {
		tuples += gc.reclaimTransaction(c)
	}
	n := len(w.reclaim)
	clear(w.reclaim)
	w.reclaim = w.reclaim[:0]

	if gc.metrics != nil {
		gc.metrics.RecordReclaim(n, tuples, gc.clock.Now().Sub(start))
	}
	return n
}

func (gc *GC) reclaimTransaction(c *txn.Context) int {
	tuples := 0
	for loc := range c.Garbage() {
		if gc.reclaimSlot(loc) {
			tuples++
		}
	}
	gc.dropObjects(c.DroppedObjects())
	if gc.releaser != nil {
		gc.releaser.Release(c)
	}
	return tuples
}

// reclaimSlot resets one garbage slot and offers it to its table for reuse.
func (gc *GC) reclaimSlot(loc storage.ItemPointer) bool {
	tg, ok := gc.storage.TileGroup(loc.Block)
	if !ok {
		return false
	}
	h := tg.Header(loc.Offset)
	if h == nil {
		return false
	}
	// The chain is searched by end commit id, so the entry must go before
	// Reset clears it.
	if gc.versions != nil {
		if ind := h.Indirection(); ind != nil {
			gc.versions.RemoveVersionEntry(ind, loc)
		}
	}
	tg.ResetTuple(loc.Offset)

	if tg.Immutable() {
		return true
	}
	if v, ok := gc.recycle.Load(tg.Table().OID()); ok {
		v.(*queue.Queue[storage.ItemPointer]).Enqueue(loc)
		if gc.metrics != nil {
			gc.metrics.RecordSlotRecycled()
		}
	}
	return true
}

// dropObjects removes indexes first, then tables, then databases, so that no
// object outlives the one containing it.
func (gc *GC) dropObjects(refs []txn.ObjectRef) {
	if len(refs) == 0 {
		return
	}
	for _, level := range []txn.ObjectLevel{txn.IndexLevel, txn.TableLevel, txn.DatabaseLevel} {
		for _, ref := range refs {
			if ref.Level() != level {
				continue
			}
			if gc.dropObject(ref) && gc.metrics != nil {
				gc.metrics.RecordObjectDropped()
			}
		}
	}
}

func (gc *GC) dropObject(ref txn.ObjectRef) bool {
	switch ref.Level() {
	case txn.IndexLevel:
		return gc.catalog.DropIndex(ref.Database, ref.Table, ref.Index)
	case txn.TableLevel:
		gc.DeregisterTable(ref.Table)
		return gc.catalog.DropTable(ref.Database, ref.Table)
	default:
		if db, ok := gc.storage.Database(ref.Database); ok {
			for _, t := range db.Tables() {
				gc.DeregisterTable(t.OID())
			}
		}
		return gc.catalog.DropDatabase(ref.Database)
	}
}
