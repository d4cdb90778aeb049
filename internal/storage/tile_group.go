// Licensed under the MIT License. See LICENSE file in the project root for details.

package storage

import (
	"sync/atomic"
)

// VarlenPool accounts for out-of-line tuple payloads.
type VarlenPool struct {
	bytes  atomic.Int64
	chunks atomic.Int64
}

// NewVarlenPool creates an empty pool.
func NewVarlenPool() *VarlenPool {
	return &VarlenPool{}
}

// Allocate copies data into a newly accounted buffer.
func (p *VarlenPool) Allocate(data []byte) []byte {
	buf := make([]byte, len(data))
	copy(buf, data)
	p.bytes.Add(int64(len(buf)))
	p.chunks.Add(1)
	return buf
}

// Free returns a buffer obtained from Allocate.
func (p *VarlenPool) Free(buf []byte) {
	p.bytes.Add(-int64(len(buf)))
	p.chunks.Add(-1)
}

// Bytes returns the number of payload bytes currently allocated.
func (p *VarlenPool) Bytes() int64 {
	return p.bytes.Load()
}

// Chunks returns the number of payloads currently allocated.
func (p *VarlenPool) Chunks() int64 {
	return p.chunks.Load()
}

// TileGroup is a fixed-capacity block of tuple slots belonging to one table.
type TileGroup struct {
	id        OID
	table     *Table
	headers   []Header
	tuples    []atomic.Pointer[[]byte]
	next      atomic.Uint32
	immutable atomic.Bool
	varlen    *VarlenPool
}

func newTileGroup(id OID, table *Table, capacity uint32, varlen *VarlenPool) *TileGroup {
	tg := &TileGroup{
		id:      id,
		table:   table,
		headers: make([]Header, capacity),
		tuples:  make([]atomic.Pointer[[]byte], capacity),
		varlen:  varlen,
	}
	for i := range tg.headers {
		tg.headers[i].Reset()
	}
	return tg
}

// ID returns the block id of the tile group.
func (tg *TileGroup) ID() OID {
	return tg.id
}

// Table returns the owning table.
func (tg *TileGroup) Table() *Table {
	return tg.table
}

// Capacity returns the number of slots.
func (tg *TileGroup) Capacity() uint32 {
	return uint32(len(tg.headers))
}

// Header returns the header of a slot, or nil when offset is out of range.
func (tg *TileGroup) Header(offset uint32) *Header {
	if offset >= uint32(len(tg.headers)) {
		return nil
	}
	return &tg.headers[offset]
}

// Tuple returns the payload stored in a slot, or nil.
func (tg *TileGroup) Tuple(offset uint32) []byte {
	if offset >= uint32(len(tg.tuples)) {
		return nil
	}
	if p := tg.tuples[offset].Load(); p != nil {
		return *p
	}
	return nil
}

// SetTuple stores a copy of data in a slot, releasing any previous payload.
func (tg *TileGroup) SetTuple(offset uint32, data []byte) {
	buf := tg.varlen.Allocate(data)
	if old := tg.tuples[offset].Swap(&buf); old != nil {
		tg.varlen.Free(*old)
	}
}

// ReleaseVarlen frees the payload of a slot.
func (tg *TileGroup) ReleaseVarlen(offset uint32) {
	if offset >= uint32(len(tg.tuples)) {
		return
	}
	if old := tg.tuples[offset].Swap(nil); old != nil {
		tg.varlen.Free(*old)
	}
}

// ResetTuple puts a slot back into the free state and frees its payload.
func (tg *TileGroup) ResetTuple(offset uint32) bool {
	h := tg.Header(offset)
	if h == nil {
		return false
	}
	h.Reset()
	tg.ReleaseVarlen(offset)
	return true
}

// Immutable reports whether the tile group's slots may be recycled.
func (tg *TileGroup) Immutable() bool {
	return tg.immutable.Load()
}

// SetImmutable freezes or unfreezes the tile group.
func (tg *TileGroup) SetImmutable(v bool) {
	tg.immutable.Store(v)
}

// allocate hands out the next never-used slot.
func (tg *TileGroup) allocate() (uint32, bool) {
	for {
		n := tg.next.Load()
		if n >= uint32(len(tg.headers)) {
			return 0, false
		}
		if tg.next.CompareAndSwap(n, n+1) {
			return n, true
		}
	}
}

// Allocated returns how many slots have ever been handed out.
func (tg *TileGroup) Allocated() uint32 {
	n := tg.next.Load()
	if n > uint32(len(tg.headers)) {
		return uint32(len(tg.headers))
	}
	return n
}
