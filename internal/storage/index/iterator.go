// Licensed under the MIT License. See LICENSE file in the project root for details.

package index

import "github.com/kianostad/epochgc/internal/storage"

// Iterator walks the live entries of a HashIndex bucket by bucket.
//
// It is not a snapshot: entries inserted or deleted during iteration may or
// may not be observed. Deleted nodes are skipped.
//
//	it := idx.NewIterator()
//	for it.Next() {
//	    fmt.Printf("%s -> %v\n", it.Key(), it.Location().Load())
//	}
type Iterator struct {
	index     *HashIndex
	bucketIdx uint64
	node      *node
	location  *storage.Indirection
	started   bool
}

// NewIterator returns an iterator positioned before the first entry.
func (h *HashIndex) NewIterator() *Iterator {
	return &Iterator{index: h}
}

// Next advances to the next live entry.
func (it *Iterator) Next() bool {
	for {
		switch {
		case it.node != nil:
			it.node = it.node.next.Load()
		case !it.started:
			it.started = true
			it.node = it.index.buckets[0].Load()
		}
		for it.node == nil {
			it.bucketIdx++
			if it.bucketIdx >= it.index.size {
				it.location = nil
				return false
			}
			it.node = it.index.buckets[it.bucketIdx].Load()
		}
		// Location is captured once so Key and Location stay consistent.
		if loc := it.node.location.Load(); loc != nil {
			it.location = loc
			return true
		}
	}
}

// Key returns the current key.
func (it *Iterator) Key() []byte {
	if it.node == nil {
		return nil
	}
	return it.node.key
}

// Location returns the row the current entry points to.
func (it *Iterator) Location() *storage.Indirection {
	return it.location
}

// Reset rewinds the iterator.
func (it *Iterator) Reset() {
	it.bucketIdx = 0
	it.node = nil
	it.location = nil
	it.started = false
}

// ForEach calls fn for every live entry until fn returns false.
func (h *HashIndex) ForEach(fn func(key []byte, location *storage.Indirection) bool) {
	it := h.NewIterator()
	for it.Next() {
		if !fn(it.Key(), it.Location()) {
			return
		}
	}
}

// Each visits the live entries of any index in this package. Entries of an
// OrderedIndex are visited in key order.
func Each(idx storage.Index, fn func(key []byte, location *storage.Indirection) bool) bool {
	switch idx := idx.(type) {
	case *HashIndex:
		idx.ForEach(fn)
	case *OrderedIndex:
		idx.Range(nil, nil, fn)
	default:
		return false
	}
	return true
}
