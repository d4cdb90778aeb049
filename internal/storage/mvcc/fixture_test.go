// Licensed under the MIT License. See LICENSE file in the project root for details.

package mvcc

import (
	"sync"
	"testing"
	"time"

	"github.com/kianostad/epochgc/internal/clock"
	"github.com/kianostad/epochgc/internal/concurrency/txn"
	"github.com/kianostad/epochgc/internal/storage"
)

// manualClock only moves when told to. Timers fire immediately.
type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Unix(1000, 0)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type firedTimer struct{}

func (firedTimer) Stop() bool { return false }

func (c *manualClock) NewTimer(time.Duration) (clock.Timer, <-chan time.Time) {
	ch := make(chan time.Time, 1)
	ch <- c.Now()
	return firedTimer{}, ch
}

func (c *manualClock) NewTicker(d time.Duration) (clock.Ticker, <-chan time.Time) {
	t := time.NewTicker(d)
	return t, t.C
}

const testGrace = 10 * time.Millisecond

// fixture is a collector over one mutable table with a manual clock.
type fixture struct {
	clock    *manualClock
	store    *storage.Manager
	db       *storage.Database
	table    *storage.Table
	versions *VersionIndex
	pool     *txn.Pool
	gc       *GC
}

func newFixture(t testing.TB, cfg Config, deps Dependencies, opts ...Option) *fixture {
	t.Helper()

	f := &fixture{clock: newManualClock(), store: storage.NewManager(), pool: txn.NewPool()}
	f.db = f.store.CreateDatabase("db")
	table, err := f.store.CreateTable(f.db.OID(), "t", storage.TableOptions{SlotsPerGroup: 16})
	if err != nil {
		t.Fatalf("CreateTable: %v", err)
	}
	f.table = table
	f.versions = NewVersionIndex(f.store, txn.Oracle{})

	if cfg.GracePeriod == 0 {
		cfg.GracePeriod = testGrace
	}
	deps.Storage = f.store
	if deps.Versions == nil {
		deps.Versions = f.versions
	}
	if deps.Releaser == nil {
		deps.Releaser = f.pool
	}
	gc, err := NewGC(cfg, deps, append([]Option{WithClock(f.clock)}, opts...)...)
	if err != nil {
		t.Fatalf("NewGC: %v", err)
	}
	f.gc = gc
	f.gc.RegisterTable(f.table.OID())
	f.table.SetFreeSlotSource(f.gc)
	return f
}

// version writes a committed tuple image into a fresh slot of the table.
func (f *fixture) version(tuple string, ind *storage.Indirection, begin, end storage.CID) storage.ItemPointer {
	loc, _ := f.table.AcquireSlot()
	tg, _ := f.store.TileGroup(loc.Block)
	h := tg.Header(loc.Offset)
	h.SetTxnID(storage.InitialTxnID)
	h.SetBeginCID(begin)
	h.SetEndCID(end)
	h.SetIndirection(ind)
	tg.SetTuple(loc.Offset, []byte(tuple))
	return loc
}

// retireAll drives Unlink until the garbage queue stops changing.
func (f *fixture) retireAll() int {
	total := 0
	for range 32 {
		f.clock.Advance(testGrace)
		total += f.gc.Unlink(0)
		if f.gc.Pending() == 0 {
			break
		}
	}
	return total
}

// gatedClock blocks the first Now call after arm until open is called.
type gatedClock struct {
	*manualClock
	armed   chan struct{}
	entered chan struct{}
	release chan struct{}
}

func newGatedClock() *gatedClock {
	return &gatedClock{
		manualClock: newManualClock(),
		armed:       make(chan struct{}, 1),
		entered:     make(chan struct{}),
		release:     make(chan struct{}),
	}
}

func (c *gatedClock) arm() { c.armed <- struct{}{} }

func (c *gatedClock) open() { close(c.release) }

func (c *gatedClock) Now() time.Time {
	select {
	case <-c.armed:
		close(c.entered)
		<-c.release
	default:
	}
	return c.manualClock.Now()
}

func (f *fixture) stampedNodes() int {
	n := 0
	f.gc.timestamps.Range(func(any, any) bool {
		n++
		return true
	})
	return n
}
