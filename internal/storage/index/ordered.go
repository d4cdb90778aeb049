// Licensed under the MIT License. See LICENSE file in the project root for details.

package index

import (
	"bytes"
	"sync"

	"github.com/tidwall/btree"

	"github.com/kianostad/epochgc/internal/storage"
)

type orderedItem struct {
	key      string
	seq      uint64
	location *storage.Indirection
}

func orderedLess(a, b orderedItem) bool {
	if a.key != b.key {
		return a.key < b.key
	}
	return a.seq < b.seq
}

// OrderedIndex is a B-tree index ordered by key. Entries with equal keys
// are kept in insertion order.
type OrderedIndex struct {
	oid     storage.OID
	keyFunc KeyFunc
	unique  bool

	mu   sync.RWMutex
	tree *btree.BTreeG[orderedItem]
	seq  uint64
}

// NewOrderedIndex creates an empty ordered index.
func NewOrderedIndex(oid storage.OID, keyFunc KeyFunc, unique bool) *OrderedIndex {
	if keyFunc == nil {
		keyFunc = WholeTuple
	}
	return &OrderedIndex{
		oid:     oid,
		keyFunc: keyFunc,
		unique:  unique,
		tree:    btree.NewBTreeGOptions(orderedLess, btree.Options{NoLocks: true}),
	}
}

func (o *OrderedIndex) OID() storage.OID {
	return o.oid
}

func (o *OrderedIndex) KeyFromTuple(tuple []byte) []byte {
	return o.keyFunc(tuple)
}

// sameKey walks the entries stored under key in insertion order.
func (o *OrderedIndex) sameKey(key string, fn func(item orderedItem) bool) {
	o.tree.Ascend(orderedItem{key: key}, func(item orderedItem) bool {
		if item.key != key {
			return false
		}
		return fn(item)
	})
}

// InsertEntry maps key to location. For unique indexes it fails when an
// entry for key already exists.
func (o *OrderedIndex) InsertEntry(key []byte, location *storage.Indirection) bool {
	if location == nil {
		return false
	}
	o.mu.Lock()
	defer o.mu.Unlock()

	k := string(key)
	conflict := false
	o.sameKey(k, func(item orderedItem) bool {
		if item.location == location || o.unique {
			conflict = true
			return false
		}
		return true
	})
	if conflict {
		return false
	}

	o.seq++
	o.tree.Set(orderedItem{key: k, seq: o.seq, location: location})
	return true
}

// DeleteEntry removes the mapping from key to location.
func (o *OrderedIndex) DeleteEntry(key []byte, location *storage.Indirection) bool {
	if location == nil {
		return false
	}
	o.mu.Lock()
	defer o.mu.Unlock()

	var victim orderedItem
	found := false
	o.sameKey(string(key), func(item orderedItem) bool {
		if item.location == location {
			victim, found = item, true
			return false
		}
		return true
	})
	if !found {
		return false
	}
	_, deleted := o.tree.Delete(victim)
	return deleted
}

// ScanKey returns the locations stored under key.
func (o *OrderedIndex) ScanKey(key []byte) []*storage.Indirection {
	o.mu.RLock()
	defer o.mu.RUnlock()

	var out []*storage.Indirection
	o.sameKey(string(key), func(item orderedItem) bool {
		out = append(out, item.location)
		return true
	})
	return out
}

// Range calls fn for every entry with lo <= key < hi in key order. A nil hi
// means no upper bound. Iteration stops when fn returns false.
func (o *OrderedIndex) Range(lo, hi []byte, fn func(key []byte, location *storage.Indirection) bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	o.tree.Ascend(orderedItem{key: string(lo)}, func(item orderedItem) bool {
		k := []byte(item.key)
		if hi != nil && bytes.Compare(k, hi) >= 0 {
			return false
		}
		return fn(k, item.location)
	})
}

// Len returns the number of entries.
func (o *OrderedIndex) Len() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.tree.Len()
}
