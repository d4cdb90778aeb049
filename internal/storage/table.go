// Licensed under the MIT License. See LICENSE file in the project root for details.

package storage

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

var (
	ErrDatabaseNotFound = errors.New("storage: database not found")
	ErrTableNotFound    = errors.New("storage: table not found")
	ErrIndexNotFound    = errors.New("storage: index not found")
	ErrIndexExists      = errors.New("storage: index already exists")
)

// Index maps keys reconstructed from tuple images to row indirections.
type Index interface {
	OID() OID
	// KeyFromTuple rebuilds the index key from a tuple payload.
	KeyFromTuple(tuple []byte) []byte
	InsertEntry(key []byte, location *Indirection) bool
	DeleteEntry(key []byte, location *Indirection) bool
	ScanKey(key []byte) []*Indirection
}

// FreeSlotSource hands out previously reclaimed slots of a table.
type FreeSlotSource interface {
	ReturnFreeSlot(table OID) ItemPointer
}

// TableOptions configures a new table.
type TableOptions struct {
	// SlotsPerGroup is the tile group capacity. Defaults to 1024.
	SlotsPerGroup uint32
	// Immutable tables never recycle their slots.
	Immutable bool
}

// Table is a heap of tile groups plus its indexes.
type Table struct {
	oid           OID
	databaseOID   OID
	name          string
	slotsPerGroup uint32
	immutable     bool
	manager       *Manager

	mu         sync.RWMutex
	tileGroups []*TileGroup
	indexes    []Index

	freeSlots atomic.Pointer[FreeSlotSource]
}

func (t *Table) OID() OID         { return t.oid }
func (t *Table) DatabaseOID() OID { return t.databaseOID }
func (t *Table) Name() string     { return t.name }
func (t *Table) Immutable() bool  { return t.immutable }

// SetFreeSlotSource installs the source consulted before allocating a
// fresh slot.
func (t *Table) SetFreeSlotSource(src FreeSlotSource) {
	if src == nil {
		t.freeSlots.Store(nil)
		return
	}
	t.freeSlots.Store(&src)
}

// AcquireSlot returns a slot for a new version. Recycled slots are
// preferred; the boolean reports whether the slot was recycled.
func (t *Table) AcquireSlot() (ItemPointer, bool) {
	if src := t.freeSlots.Load(); src != nil {
		if loc := (*src).ReturnFreeSlot(t.oid); !loc.IsNull() {
			return loc, true
		}
	}

	for {
		t.mu.RLock()
		var last *TileGroup
		if n := len(t.tileGroups); n > 0 {
			last = t.tileGroups[n-1]
		}
		t.mu.RUnlock()

		if last != nil {
			if offset, ok := last.allocate(); ok {
				return ItemPointer{Block: last.id, Offset: offset}, false
			}
		}
		t.grow(last)
	}
}

// grow appends a tile group unless another writer already did.
func (t *Table) grow(seen *TileGroup) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if n := len(t.tileGroups); n > 0 && t.tileGroups[n-1] != seen {
		return
	}
	tg := newTileGroup(t.manager.NextOID(), t, t.slotsPerGroup, t.manager.varlen)
	tg.SetImmutable(t.immutable)
	t.tileGroups = append(t.tileGroups, tg)
	t.manager.tileGroups.Store(tg.id, tg)
}

// TileGroups returns a snapshot of the table's tile groups.
func (t *Table) TileGroups() []*TileGroup {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*TileGroup, len(t.tileGroups))
	copy(out, t.tileGroups)
	return out
}

// AddIndex attaches an index to the table.
func (t *Table) AddIndex(idx Index) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, existing := range t.indexes {
		if existing.OID() == idx.OID() {
			return fmt.Errorf("index %d on table %q: %w", idx.OID(), t.name, ErrIndexExists)
		}
	}
	t.indexes = append(t.indexes, idx)
	return nil
}

// Index returns the index with the given id.
func (t *Table) Index(oid OID) (Index, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, idx := range t.indexes {
		if idx.OID() == oid {
			return idx, true
		}
	}
	return nil, false
}

// Indexes returns a snapshot of the table's indexes.
func (t *Table) Indexes() []Index {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Index, len(t.indexes))
	copy(out, t.indexes)
	return out
}

func (t *Table) removeIndex(oid OID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, idx := range t.indexes {
		if idx.OID() == oid {
			t.indexes = append(t.indexes[:i], t.indexes[i+1:]...)
			return true
		}
	}
	return false
}

// Database groups tables.
type Database struct {
	oid  OID
	name string

	mu     sync.RWMutex
	tables map[OID]*Table
}

func (d *Database) OID() OID     { return d.oid }
func (d *Database) Name() string { return d.name }

// Table returns the table with the given id.
func (d *Database) Table(oid OID) (*Table, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	t, ok := d.tables[oid]
	return t, ok
}

// Tables returns a snapshot of the database's tables.
func (d *Database) Tables() []*Table {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*Table, 0, len(d.tables))
	for _, t := range d.tables {
		out = append(out, t)
	}
	return out
}
