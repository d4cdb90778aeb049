// Licensed under the MIT License. See LICENSE file in the project root for details.

package storage

import (
	"sync/atomic"
)

// Header is the per-slot version metadata. All fields are accessed
// atomically.
type Header struct {
	txnID         atomic.Uint64
	lastReaderCID atomic.Uint64
	beginCID      atomic.Uint64
	endCID        atomic.Uint64
	next          atomic.Uint64
	prev          atomic.Uint64
	indirection   atomic.Pointer[Indirection]
}

// Reset returns the header to the free-slot state: no owner, no reader,
// begin and end at MaxCID, no neighbours and no indirection.
func (h *Header) Reset() {
	h.txnID.Store(uint64(InvalidTxnID))
	h.lastReaderCID.Store(uint64(InvalidCID))
	h.beginCID.Store(uint64(MaxCID))
	h.endCID.Store(uint64(MaxCID))
	h.next.Store(NullItemPointer.pack())
	h.prev.Store(NullItemPointer.pack())
	h.indirection.Store(nil)
}

// IsFree reports whether the header is in the free-slot state.
func (h *Header) IsFree() bool {
	return h.TxnID() == InvalidTxnID &&
		h.BeginCID() == MaxCID &&
		h.EndCID() == MaxCID &&
		h.Indirection() == nil
}

// Field accessors.

func (h *Header) TxnID() TxnID          { return TxnID(h.txnID.Load()) }
func (h *Header) SetTxnID(id TxnID)     { h.txnID.Store(uint64(id)) }
func (h *Header) LastReaderCID() CID    { return CID(h.lastReaderCID.Load()) }
func (h *Header) BeginCID() CID         { return CID(h.beginCID.Load()) }
func (h *Header) SetBeginCID(cid CID)   { h.beginCID.Store(uint64(cid)) }
func (h *Header) EndCID() CID           { return CID(h.endCID.Load()) }
func (h *Header) SetEndCID(cid CID)     { h.endCID.Store(uint64(cid)) }
func (h *Header) Next() ItemPointer     { return unpack(h.next.Load()) }
func (h *Header) SetNext(p ItemPointer) { h.next.Store(p.pack()) }
func (h *Header) Prev() ItemPointer     { return unpack(h.prev.Load()) }
func (h *Header) SetPrev(p ItemPointer) { h.prev.Store(p.pack()) }

// CompareAndSwapTxnID installs a new owner if the current owner is old.
// Writers use it to take the write lock on a version.
func (h *Header) CompareAndSwapTxnID(old, new TxnID) bool {
	return h.txnID.CompareAndSwap(uint64(old), uint64(new))
}

// ObserveRead raises the last reader commit id to cid.
func (h *Header) ObserveRead(cid CID) {
	for {
		cur := h.lastReaderCID.Load()
		if cur >= uint64(cid) {
			return
		}
		if h.lastReaderCID.CompareAndSwap(cur, uint64(cid)) {
			return
		}
	}
}

// Indirection returns the logical link of the version, or nil.
func (h *Header) Indirection() *Indirection {
	return h.indirection.Load()
}

// SetIndirection installs the logical link of the version.
func (h *Header) SetIndirection(ind *Indirection) {
	h.indirection.Store(ind)
}
