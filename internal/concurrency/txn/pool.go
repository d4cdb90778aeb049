// Licensed under the MIT License. See LICENSE file in the project root for details.

package txn

import (
	"sync"
	"sync/atomic"

	"github.com/kianostad/epochgc/internal/storage"
)

// Pool provides object pooling for transaction contexts to reduce memory
// allocations on the begin/commit path.
type Pool struct {
	pool     sync.Pool
	released atomic.Uint64
}

// NewPool creates a new Pool.
func NewPool() *Pool {
	return &Pool{
		pool: sync.Pool{
			New: func() interface{} {
				return &Context{garbage: make(map[storage.ItemPointer]VersionKind)}
			},
		},
	}
}

// Get retrieves a context from the pool or creates a new one.
func (p *Pool) Get(id storage.TxnID, threadID int, readID storage.CID, epochID uint64) *Context {
	c := p.pool.Get().(*Context)
	c.init(id, threadID, readID, epochID)
	return c
}

// Put returns a context to the pool after resetting its fields.
func (p *Pool) Put(c *Context) {
	c.reset()
	p.pool.Put(c)
}

// Release hands a fully reclaimed context back to the pool.
func (p *Pool) Release(c *Context) {
	p.released.Add(1)
	p.Put(c)
}

// Released returns how many contexts the collector has released.
func (p *Pool) Released() uint64 {
	return p.released.Load()
}
