// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package txn defines the transaction context handed to the garbage collector
// and the snapshot visibility rules applied to tuple versions.
//
// A Context records the physical footprint of one transaction: every tuple
// location it made obsolete together with the kind of change that did so,
// the catalog objects it dropped and the statements it ran. Once the
// transaction completes the context is bound to an epoch and later drained
// by the collector, which uses the footprint to unlink and reclaim versions.
//
// # Key Features
//
//   - Garbage footprint keyed by location with a closed set of version kinds
//   - Dropped-object set processed index first, then table, then database
//   - Visibility oracle for read-id and commit-id snapshots
//   - Pooled contexts to keep allocation off the commit path
//
// # Dangers and Warnings
//
//   - **Single Owner**: A Context is not safe for concurrent mutation. It is
//     written by its transaction and read by exactly one collector worker.
//   - **Pool Reuse**: A context released to the Pool must not be touched again.
package txn

import (
	"fmt"
	"iter"
	"maps"

	"github.com/kianostad/epochgc/internal/storage"
)

// VersionKind says why a version became garbage.
type VersionKind uint8

const (
	// CommitUpdate marks the old version replaced by a committed update.
	CommitUpdate VersionKind = iota + 1
	// CommitDelete marks the versions of a committed delete.
	CommitDelete
	// CommitInsDel marks a version inserted and deleted by one committed transaction.
	CommitInsDel
	// AbortUpdate marks the new version of an aborted update.
	AbortUpdate
	// AbortDelete marks the tombstone of an aborted delete.
	AbortDelete
	// AbortInsert marks the version of an aborted insert.
	AbortInsert
	// AbortInsDel marks a version inserted and deleted by one aborted transaction.
	AbortInsDel
)

func (k VersionKind) String() string {
	switch k {
	case CommitUpdate:
		return "COMMIT_UPDATE"
	case CommitDelete:
		return "COMMIT_DELETE"
	case CommitInsDel:
		return "COMMIT_INS_DEL"
	case AbortUpdate:
		return "ABORT_UPDATE"
	case AbortDelete:
		return "ABORT_DELETE"
	case AbortInsert:
		return "ABORT_INSERT"
	case AbortInsDel:
		return "ABORT_INS_DEL"
	default:
		return fmt.Sprintf("VersionKind(%d)", uint8(k))
	}
}

// Result is the outcome of a transaction.
type Result uint8

const (
	Running Result = iota
	Committed
	Aborted
)

func (r Result) String() string {
	switch r {
	case Running:
		return "running"
	case Committed:
		return "committed"
	case Aborted:
		return "aborted"
	default:
		return fmt.Sprintf("Result(%d)", uint8(r))
	}
}

// ObjectRef names a dropped catalog object. Unused levels hold
// storage.InvalidOID: an index drop sets all three, a table drop leaves
// Index invalid and a database drop sets only Database.
type ObjectRef struct {
	Database storage.OID
	Table    storage.OID
	Index    storage.OID
}

// ObjectLevel orders dropped objects from most to least specific.
type ObjectLevel uint8

const (
	IndexLevel ObjectLevel = iota
	TableLevel
	DatabaseLevel
)

// Level classifies the reference.
func (o ObjectRef) Level() ObjectLevel {
	switch {
	case o.Index != storage.InvalidOID:
		return IndexLevel
	case o.Table != storage.InvalidOID:
		return TableLevel
	default:
		return DatabaseLevel
	}
}

// Context is the per-transaction record consumed by the collector.
type Context struct {
	id        storage.TxnID
	threadID  int
	readID    storage.CID
	commitID  storage.CID
	epochID   uint64
	timestamp uint64
	result    Result

	garbage map[storage.ItemPointer]VersionKind
	dropped []ObjectRef
	queries []string
}

// NewContext creates a running transaction context.
func NewContext(id storage.TxnID, threadID int, readID storage.CID, epochID uint64) *Context {
	c := &Context{garbage: make(map[storage.ItemPointer]VersionKind)}
	c.init(id, threadID, readID, epochID)
	return c
}

func (c *Context) init(id storage.TxnID, threadID int, readID storage.CID, epochID uint64) {
	c.id = id
	c.threadID = threadID
	c.readID = readID
	c.commitID = storage.InvalidCID
	c.epochID = epochID
	c.timestamp = 0
	c.result = Running
}

func (c *Context) ID() storage.TxnID           { return c.id }
func (c *Context) ThreadID() int               { return c.threadID }
func (c *Context) ReadID() storage.CID         { return c.readID }
func (c *Context) CommitID() storage.CID       { return c.commitID }
func (c *Context) EpochID() uint64             { return c.epochID }
func (c *Context) Timestamp() uint64           { return c.timestamp }
func (c *Context) Result() Result              { return c.result }
func (c *Context) SetCommitID(cid storage.CID) { c.commitID = cid }
func (c *Context) SetEpochID(id uint64)        { c.epochID = id }
func (c *Context) SetTimestamp(ts uint64)      { c.timestamp = ts }
func (c *Context) SetResult(r Result)          { c.result = r }

// VisibilityID returns the timestamp a snapshot of the given kind reads at.
// Any kind other than ReadID or CommitID is a programming error.
func (c *Context) VisibilityID(kind VisibilityKind) storage.CID {
	switch kind {
	case ReadID:
		return c.readID
	case CommitID:
		return c.commitID
	default:
		panic(fmt.Sprintf("txn: unknown visibility kind %d", kind))
	}
}

// RecordGarbage adds a location to the garbage footprint. A later record
// for the same location replaces the earlier kind.
func (c *Context) RecordGarbage(loc storage.ItemPointer, kind VersionKind) {
	c.garbage[loc] = kind
}

// Garbage iterates over the garbage footprint.
func (c *Context) Garbage() iter.Seq2[storage.ItemPointer, VersionKind] {
	return maps.All(c.garbage)
}

// GarbageLen returns the number of recorded locations.
func (c *Context) GarbageLen() int {
	return len(c.garbage)
}

// RecordDroppedObject adds a catalog object to drop at reclaim time.
func (c *Context) RecordDroppedObject(ref ObjectRef) {
	c.dropped = append(c.dropped, ref)
}

// DroppedObjects returns the dropped-object set.
func (c *Context) DroppedObjects() []ObjectRef {
	return c.dropped
}

// AddQuery records a statement for query history.
func (c *Context) AddQuery(q string) {
	c.queries = append(c.queries, q)
}

// Queries returns the statements run by the transaction.
func (c *Context) Queries() []string {
	return c.queries
}

// HasGarbage reports whether the collector has anything to do for c.
func (c *Context) HasGarbage() bool {
	return len(c.garbage) > 0 || len(c.dropped) > 0
}

func (c *Context) reset() {
	c.init(storage.InvalidTxnID, 0, storage.InvalidCID, 0)
	clear(c.garbage)
	c.dropped = c.dropped[:0]
	c.queries = c.queries[:0]
}
