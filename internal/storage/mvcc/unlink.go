// Licensed under the MIT License. See LICENSE file in the project root for details.

package mvcc

import (
	"fmt"
	"time"

	"github.com/kianostad/epochgc/internal/concurrency/epoch"
	"github.com/kianostad/epochgc/internal/concurrency/txn"
	"github.com/kianostad/epochgc/internal/monitoring/metrics"
	"github.com/kianostad/epochgc/internal/storage"
)

type passResult struct {
	nodes    int
	txns     int
	versions int
}

// Unlink retires up to BatchSize eligible garbage nodes. The transactions of
// every retired leaf have their superseded versions removed from the indexes
// and are queued for Reclaim on the same worker. It returns the number of
// transactions unlinked.
func (gc *GC) Unlink(threadID int) int {
	return gc.unlink(threadID, false).txns
}

func (gc *GC) unlink(threadID int, force bool) passResult {
	w := gc.worker(threadID)
	now := gc.clock.Now()

	var res passResult
	for range gc.config.BatchSize {
		gn, ok := gc.garbage.Dequeue()
		if !ok {
			break
		}
		if !force && now.Sub(time.Unix(0, gn.Timestamp)) < gc.config.GracePeriod {
			// The queue is roughly ordered by publication time, so nothing
			// behind this node is eligible either.
			gc.garbage.Enqueue(gn)
			gc.discard(metrics.EventNotYetEligible, gn)
			break
		}
		if gc.retire(w, gn, &res) {
			res.nodes++
		}
	}

	if res.nodes > 0 && gc.metrics != nil {
		gc.metrics.RecordUnlink(res.txns, res.versions, gc.clock.Now().Sub(now))
	}
	return res
}

func (gc *GC) discard(reason metrics.EventType, gn GarbageNode) {
	if gc.metrics != nil {
		gc.metrics.RecordDiscard(reason)
	}
	gc.logger.Debug("garbage node skipped", "reason", reason, "node", gn.Node)
}

// current reports whether gn carries the latest publication of its node.
func (gc *GC) current(gn GarbageNode) bool {
	v, ok := gc.timestamps.Load(gn.Node)
	return ok && v.(int64) == gn.Timestamp
}

// retire removes gn from the tree if it may go. It reports whether the node
// was removed.
func (gc *GC) retire(w *worker, gn GarbageNode, res *passResult) bool {
	if !gc.current(gn) {
		gc.discard(metrics.EventDiscardStale, gn)
		return false
	}

	node := gn.Node
	if node.Kind() == epoch.InternalNode {
		// Internal nodes are published once, when their last child goes.
		if !gc.timestamps.CompareAndDelete(node, gn.Timestamp) {
			gc.discard(metrics.EventDiscardStale, gn)
			return false
		}
		parent, parentEmpty, deleted := gc.tree.DeleteIfEmpty(node)
		if !deleted {
			return false
		}
		gc.removed(node, parent, parentEmpty)
		return true
	}

	leaf := node.Leaf()
	if leaf.RefCount() > 0 {
		gc.discard(metrics.EventDiscardReferenced, gn)
		return false
	}
	if gc.config.RetireInOrder && gc.tree.Oldest() != node {
		// Keep the timestamp; the leaf is re-queued with it once it becomes the oldest.
		gc.discard(metrics.EventDiscardOutOfOrder, gn)
		return false
	}
	// Sealing is the claim: only one worker can move the count from zero.
	if !leaf.Seal() {
		gc.discard(metrics.EventDiscardReferenced, gn)
		return false
	}
	if !gc.timestamps.CompareAndDelete(node, gn.Timestamp) {
		// Republished between the stale check and the seal.
		leaf.Unseal()
		gc.discard(metrics.EventDiscardStale, gn)
		return false
	}

	res.txns += leaf.Drain(func(c *txn.Context) {
		res.versions += gc.unlinkTransaction(c)
		w.reclaim = append(w.reclaim, c)
	})

	parent, parentEmpty := gc.tree.Delete(node)
	gc.removed(node, parent, parentEmpty)

	if gc.config.RetireInOrder {
		gc.requeueOldest()
	}
	return true
}

func (gc *GC) removed(node, parent *epoch.Node, parentEmpty bool) {
	if gc.metrics != nil {
		gc.metrics.RecordNodeRemoved(node.Kind() == epoch.LeafNode)
	}
	gc.logger.Debug("epoch node removed", "node", node)
	if parentEmpty {
		gc.publish(parent)
	}
}

// requeueOldest queues the new oldest leaf if it was already idle. It keeps
// the leaf's original publication time so its grace period is not restarted.
func (gc *GC) requeueOldest() {
	next := gc.tree.Oldest()
	if next == nil || next.Leaf().RefCount() > 0 || next.Leaf().Sealed() {
		return
	}
	if v, ok := gc.timestamps.Load(next); ok {
		gc.garbage.Enqueue(GarbageNode{Node: next, Timestamp: v.(int64)})
		return
	}
	gc.publish(next)
}

// unlinkTransaction removes the versions written by c from the indexes and
// submits its statements to the query history. It returns the number of
// versions visited.
func (gc *GC) unlinkTransaction(c *txn.Context) int {
	n := 0
	for loc, kind := range c.Garbage() {
		gc.UnlinkVersion(loc, kind)
		n++
	}
	if gc.history != nil {
		for _, q := range c.Queries() {
			gc.history.Submit(q, c.Timestamp())
		}
	}
	return n
}

// UnlinkVersion removes the index entries of one garbage version according
// to how it became garbage. Missing tile groups, headers or indirections are
// skipped. An unknown kind panics.
func (gc *GC) UnlinkVersion(loc storage.ItemPointer, kind txn.VersionKind) {
	switch kind {
	case txn.CommitUpdate, txn.CommitDelete, txn.AbortUpdate, txn.AbortDelete:
		// The index entries point at the indirection, which still leads to
		// a live version of the tuple or to its tombstone.
		return
	case txn.AbortInsert, txn.CommitInsDel, txn.AbortInsDel:
	default:
		panic(fmt.Sprintf("mvcc: unknown version kind %d at %s", kind, loc))
	}

	tg, ok := gc.storage.TileGroup(loc.Block)
	if !ok {
		return
	}
	h := tg.Header(loc.Offset)
	if h == nil {
		return
	}
	ind := h.Indirection()
	if ind == nil {
		return
	}

	tuple := tg.Tuple(loc.Offset)
	deleted := 0
	for _, idx := range tg.Table().Indexes() {
		if idx.DeleteEntry(idx.KeyFromTuple(tuple), ind) {
			deleted++
		}
	}
	if gc.metrics != nil {
		gc.metrics.RecordIndexEntriesDeleted(deleted)
	}
}
