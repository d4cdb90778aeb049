// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package index provides the secondary access paths whose entries the garbage
// collector removes when a version is unlinked.
//
// Both implementations map a key to the logical indirection of a row and
// satisfy storage.Index. Keys are never stored by the collector: an index
// rebuilds them from a tuple image with its KeyFunc, so an entry can be
// deleted long after the writing transaction finished.
//
// # Key Features
//
//   - HashIndex: lock-free fixed-bucket hash table with CAS insertion and
//     tombstone deletion
//   - OrderedIndex: B-tree backed index that supports ordered range scans
//   - Unique and non-unique modes
//   - Key reconstruction through a pluggable KeyFunc
//
// # Usage Examples
//
//	idx := index.NewHashIndex(1, 1024, index.PrefixKey(':'), true)
//	ind := storage.NewIndirection(loc)
//	idx.InsertEntry(idx.KeyFromTuple([]byte("alice:admin")), ind)
//
//	for _, ind := range idx.ScanKey([]byte("alice")) {
//	    // follow ind.Load() to the newest version
//	}
//
// # Dangers and Warnings
//
//   - **Bucket Size**: The number of buckets must be a power of 2. Invalid sizes will panic.
//   - **Tombstones**: HashIndex deletions leave an empty node behind; a later
//     insertion of the same key reuses it, other keys do not.
//   - **Key Stability**: KeyFromTuple must be deterministic; a key that cannot be
//     rebuilt from the tuple image can never be unlinked.
//
// # Hash Function Details
//
// The hash function uses a hybrid approach:
//   - For keys ≤8 bytes: Custom fast hash with good distribution for short keys
//   - For keys >8 bytes: FNV-1a hash for excellent distribution and collision resistance
package index

import (
	"bytes"
	"sync/atomic"

	"github.com/kianostad/epochgc/internal/storage"
)

// KeyFunc rebuilds an index key from a tuple payload.
type KeyFunc func(tuple []byte) []byte

// WholeTuple uses the entire payload as the key.
func WholeTuple(tuple []byte) []byte {
	return tuple
}

// PrefixKey uses the bytes before the first sep as the key, or the whole
// payload when sep is absent.
func PrefixKey(sep byte) KeyFunc {
	return func(tuple []byte) []byte {
		if i := bytes.IndexByte(tuple, sep); i >= 0 {
			return tuple[:i]
		}
		return tuple
	}
}

// node represents a node in the lock-free linked list within a bucket.
// A nil location marks a deleted entry.
type node struct {
	key      []byte
	location atomic.Pointer[storage.Indirection]
	next     atomic.Pointer[node]
}

// HashIndex is a lock-free hash table with fixed-size buckets.
type HashIndex struct {
	oid     storage.OID
	keyFunc KeyFunc
	unique  bool
	buckets []atomic.Pointer[node]
	size    uint64
	mask    uint64
	entries atomic.Int64
}

// NewHashIndex creates a new hash index with the given size (must be power of 2).
func NewHashIndex(oid storage.OID, size uint64, keyFunc KeyFunc, unique bool) *HashIndex {
	if size == 0 || (size&(size-1)) != 0 {
		panic("size must be a power of 2")
	}
	if keyFunc == nil {
		keyFunc = WholeTuple
	}

	return &HashIndex{
		oid:     oid,
		keyFunc: keyFunc,
		unique:  unique,
		buckets: make([]atomic.Pointer[node], size),
		size:    size,
		mask:    size - 1,
	}
}

// hash computes the hash of the key and returns the bucket index.
func (h *HashIndex) hash(key []byte) uint64 {
	// Fast path for short keys (common case)
	if len(key) <= 8 {
		var hash uint64
		for i, b := range key {
			hash = hash*31 + uint64(b) + uint64(i)
		}
		return hash & h.mask
	}

	const fnvPrime uint64 = 1099511628211
	const fnvOffsetBasis uint64 = 14695981039346656037

	hash := fnvOffsetBasis
	for _, b := range key {
		hash ^= uint64(b)
		hash *= fnvPrime
	}
	return hash & h.mask
}

// OID returns the index id.
func (h *HashIndex) OID() storage.OID {
	return h.oid
}

// KeyFromTuple rebuilds the key of a tuple.
func (h *HashIndex) KeyFromTuple(tuple []byte) []byte {
	return h.keyFunc(tuple)
}

// InsertEntry maps key to location. For unique indexes it fails when a live
// entry for key already exists.
func (h *HashIndex) InsertEntry(key []byte, location *storage.Indirection) bool {
	if location == nil {
		return false
	}
	bucket := &h.buckets[h.hash(key)]

	newNode := &node{key: append([]byte(nil), key...)}
	newNode.location.Store(location)

	for {
		// The CAS below only succeeds against the exact list that was
		// scanned, so two inserts of one key cannot both link a node.
		oldHead := bucket.Load()
		if ok, done := h.tryReuse(oldHead, key, location); done {
			return ok
		}
		newNode.next.Store(oldHead)
		if bucket.CompareAndSwap(oldHead, newNode) {
			h.entries.Add(1)
			return true
		}
	}
}

// tryReuse resolves an insertion against existing nodes. done is false
// when a new node has to be linked.
func (h *HashIndex) tryReuse(head *node, key []byte, location *storage.Indirection) (ok, done bool) {
	for n := head; n != nil; n = n.next.Load() {
		if !bytes.Equal(n.key, key) {
			continue
		}
		for {
			cur := n.location.Load()
			if cur == location {
				return false, true
			}
			if cur != nil {
				if h.unique {
					return false, true
				}
				break
			}
			if n.location.CompareAndSwap(nil, location) {
				h.entries.Add(1)
				return true, true
			}
		}
	}
	return false, false
}

// DeleteEntry removes the mapping from key to location.
func (h *HashIndex) DeleteEntry(key []byte, location *storage.Indirection) bool {
	if location == nil {
		return false
	}
	for n := h.buckets[h.hash(key)].Load(); n != nil; n = n.next.Load() {
		if bytes.Equal(n.key, key) && n.location.CompareAndSwap(location, nil) {
			h.entries.Add(-1)
			return true
		}
	}
	return false
}

// ScanKey returns every live location stored under key.
func (h *HashIndex) ScanKey(key []byte) []*storage.Indirection {
	var out []*storage.Indirection
	for n := h.buckets[h.hash(key)].Load(); n != nil; n = n.next.Load() {
		if !bytes.Equal(n.key, key) {
			continue
		}
		if loc := n.location.Load(); loc != nil {
			out = append(out, loc)
		}
	}
	return out
}

// Len returns the number of live entries.
func (h *HashIndex) Len() int {
	return int(h.entries.Load())
}

// Size returns the number of buckets in the index.
func (h *HashIndex) Size() uint64 {
	return h.size
}

// BucketCount returns the number of nodes, live or deleted, in a bucket.
func (h *HashIndex) BucketCount(bucketIdx uint64) int {
	if bucketIdx >= h.size {
		return 0
	}

	count := 0
	for n := h.buckets[bucketIdx].Load(); n != nil; n = n.next.Load() {
		count++
	}
	return count
}
