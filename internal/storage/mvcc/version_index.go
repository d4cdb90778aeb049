// Licensed under the MIT License. See LICENSE file in the project root for details.

package mvcc

import (
	"slices"
	"sort"
	"sync"

	"github.com/kianostad/epochgc/internal/concurrency/txn"
	"github.com/kianostad/epochgc/internal/storage"
)

// HeaderSource resolves a physical location to its tuple header.
type HeaderSource interface {
	Header(loc storage.ItemPointer) (*storage.Header, bool)
}

// VisibilityOracle decides whether a version is visible to a transaction.
type VisibilityOracle interface {
	IsVisible(c *txn.Context, h *storage.Header, kind txn.VisibilityKind) txn.VisibilityType
}

// VersionIndex keeps, per logical tuple, the physical versions ordered from
// oldest to newest. Because versions are committed in order, their end
// commit ids are non-decreasing along a chain, which lets readers binary
// search for the version current at their timestamp.
type VersionIndex struct {
	headers HeaderSource
	oracle  VisibilityOracle

	mu     sync.RWMutex
	chains map[*storage.Indirection][]storage.ItemPointer
}

// NewVersionIndex creates an empty version index.
func NewVersionIndex(headers HeaderSource, oracle VisibilityOracle) *VersionIndex {
	return &VersionIndex{
		headers: headers,
		oracle:  oracle,
		chains:  make(map[*storage.Indirection][]storage.ItemPointer),
	}
}

// AddVersionEntry records newLoc as a version of logical. A null oldLoc
// appends at the newest end; otherwise newLoc is placed right after oldLoc,
// or appended when oldLoc is not in the chain.
func (vi *VersionIndex) AddVersionEntry(logical *storage.Indirection, oldLoc, newLoc storage.ItemPointer) {
	vi.mu.Lock()
	defer vi.mu.Unlock()

	chain := vi.chains[logical]
	if !oldLoc.IsNull() {
		for i := len(chain) - 1; i >= 0; i-- {
			if chain[i] == oldLoc {
				vi.chains[logical] = slices.Insert(chain, i+1, newLoc)
				return
			}
		}
	}
	vi.chains[logical] = append(chain, newLoc)
}

// GetVisibleVersion returns the version of logical visible to c, or the null
// pointer. The timestamp is c's read id or commit id depending on kind; any
// other kind panics.
func (vi *VersionIndex) GetVisibleVersion(logical *storage.Indirection, c *txn.Context, kind txn.VisibilityKind) storage.ItemPointer {
	ts := c.VisibilityID(kind)

	vi.mu.RLock()
	defer vi.mu.RUnlock()

	chain := vi.chains[logical]
	i := sort.Search(len(chain), func(i int) bool {
		h, ok := vi.headers.Header(chain[i])
		return !ok || h.EndCID() > ts
	})
	if i == len(chain) {
		return storage.ItemPointer{}
	}
	h, ok := vi.headers.Header(chain[i])
	if !ok {
		return storage.ItemPointer{}
	}
	if vi.oracle.IsVisible(c, h, kind) != txn.Visible {
		return storage.ItemPointer{}
	}
	return chain[i]
}

// RemoveVersionEntry drops loc from the chain of logical and reports whether
// it was present. Empty chains are forgotten.
func (vi *VersionIndex) RemoveVersionEntry(logical *storage.Indirection, loc storage.ItemPointer) bool {
	vi.mu.Lock()
	defer vi.mu.Unlock()

	chain := vi.chains[logical]
	i := slices.Index(chain, loc)
	if i < 0 {
		return false
	}
	chain = slices.Delete(chain, i, i+1)
	if len(chain) == 0 {
		delete(vi.chains, logical)
	} else {
		vi.chains[logical] = chain
	}
	return true
}

// Chain returns a copy of the versions of logical, oldest first.
func (vi *VersionIndex) Chain(logical *storage.Indirection) []storage.ItemPointer {
	vi.mu.RLock()
	defer vi.mu.RUnlock()
	return slices.Clone(vi.chains[logical])
}

// Len returns the number of logical tuples with at least one version.
func (vi *VersionIndex) Len() int {
	vi.mu.RLock()
	defer vi.mu.RUnlock()
	return len(vi.chains)
}
