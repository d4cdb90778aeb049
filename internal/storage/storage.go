// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package storage provides the in-memory physical tuple storage that the
// garbage collector reclaims.
//
// Tuples live in fixed-size tile groups. Every slot carries a Header with the
// owning transaction id, the begin/end commit ids of the version, the links
// to neighbouring versions and the logical indirection shared by all
// versions of one row. Tables allocate slots from their tile groups, asking
// a FreeSlotSource (the collector's recycle queues) for a reclaimed slot
// first. The Manager resolves block ids to tile groups and owns the catalog
// of databases, tables and indexes.
//
// # Key Features
//
//   - Lock-free header fields (atomic loads and stores, CAS on the owner)
//   - Slot recycling through a pluggable FreeSlotSource
//   - Immutable tile groups that are never recycled
//   - Out-of-line tuple payloads accounted by a VarlenPool
//   - Catalog drops for indexes, tables and databases
//
// # Usage Examples
//
//	mgr := storage.NewManager()
//	db := mgr.CreateDatabase("app")
//	tbl, _ := mgr.CreateTable(db.OID(), "users", storage.TableOptions{SlotsPerGroup: 1024})
//
//	loc, _ := tbl.AcquireSlot()
//	tg, _ := mgr.TileGroup(loc.Block)
//	tg.SetTuple(loc.Offset, []byte("alice"))
//
// # Dangers and Warnings
//
//   - **Header Ownership**: Only the transaction recorded in a header's txn id
//     may change the version's begin/end commit ids.
//   - **Dropped Tables**: Once a table is dropped its tile groups disappear from
//     the Manager; every lookup on its locations reports absence.
//   - **Payload Lifetime**: A tuple payload is released when the slot is reset;
//     callers must not keep the returned byte slice across a reclaim.
package storage

import (
	"fmt"
	"math"
	"sync/atomic"
)

// OID identifies a database, table, index or tile group.
type OID uint32

// InvalidOID is the unset object id. Valid ids start at 1.
const InvalidOID OID = 0

// CID is a commit id (logical timestamp).
type CID uint64

const (
	// InvalidCID marks an unset commit id.
	InvalidCID CID = 0
	// MaxCID is the open end of a version's lifetime.
	MaxCID CID = math.MaxUint64
)

// TxnID identifies a transaction.
type TxnID uint64

const (
	// InitialTxnID marks a committed version that no transaction owns.
	InitialTxnID TxnID = 0
	// InvalidTxnID marks a free slot.
	InvalidTxnID TxnID = math.MaxUint64
)

// ItemPointer is the physical location of a tuple slot. The zero value is
// the null pointer.
type ItemPointer struct {
	Block  OID
	Offset uint32
}

// NullItemPointer is the sentinel for "no location".
var NullItemPointer = ItemPointer{}

// IsNull reports whether p is the null pointer.
func (p ItemPointer) IsNull() bool {
	return p.Block == InvalidOID
}

func (p ItemPointer) String() string {
	if p.IsNull() {
		return "(null)"
	}
	return fmt.Sprintf("(%d,%d)", p.Block, p.Offset)
}

func (p ItemPointer) pack() uint64 {
	return uint64(p.Block)<<32 | uint64(p.Offset)
}

func unpack(v uint64) ItemPointer {
	return ItemPointer{Block: OID(v >> 32), Offset: uint32(v)}
}

// Indirection is the logical link shared by all versions of one row. It
// points at the newest committed version and is what indexes store.
type Indirection struct {
	loc atomic.Uint64
}

// NewIndirection creates an indirection pointing at loc.
func NewIndirection(loc ItemPointer) *Indirection {
	ind := &Indirection{}
	ind.loc.Store(loc.pack())
	return ind
}

// Load returns the location the indirection points at.
func (i *Indirection) Load() ItemPointer {
	return unpack(i.loc.Load())
}

// Store repoints the indirection.
func (i *Indirection) Store(loc ItemPointer) {
	i.loc.Store(loc.pack())
}

// CompareAndSwap repoints the indirection if it still points at old.
func (i *Indirection) CompareAndSwap(old, new ItemPointer) bool {
	return i.loc.CompareAndSwap(old.pack(), new.pack())
}
