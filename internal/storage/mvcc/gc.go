// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package mvcc provides epoch-based garbage collection for the Multi-Version
// Concurrency Control storage layer, together with the version index that
// readers use to find the version visible to their snapshot.
//
// Completed transactions are bound to the epoch that was current when they
// finished. When every transaction running in an epoch has left it, the
// epoch's leaf is published to a shared lock-free garbage queue. Collector
// workers pick leaves up once they have stayed idle for a grace period,
// unlink the versions their transactions superseded from every index, and
// later reset the tuple slots and hand them back to their tables for reuse.
//
// # Key Features
//
//   - Epoch tree with per-leaf reference counts and bounded transaction queues
//   - Lock-free garbage queue shared by all collector workers
//   - Two-phase collection: Unlink removes index references, Reclaim frees slots
//   - Per-table recycle queues that feed freed slots back to inserts
//   - Deferred drops of indexes, tables and databases
//   - Optional asynchronous query history logging
//   - Exponential idle backoff with a configurable range
//
// # Usage Examples
//
//	gc, err := mvcc.NewGC(mvcc.DefaultConfig(), mvcc.Dependencies{
//	    Storage:  store,
//	    Versions: versions,
//	    Releaser: pool,
//	})
//	if err != nil {
//	    return err
//	}
//	epochs := epoch.NewManager(gc)
//
//	if err := gc.Start(ctx); err != nil {
//	    return err
//	}
//	defer gc.Shutdown()
//
// # Dangers and Warnings
//
//   - **Reference Discipline**: Every IncrementRef must be paired with exactly one DecrementRef.
//     An extra decrement panics; a missing one pins the epoch and everything after it.
//   - **Binding**: BindTransaction must be called while the caller still holds a
//     reference on the epoch, otherwise the leaf may be drained concurrently.
//   - **Leaf Capacity**: Binding more than MaxTxnsPerEpoch transactions to one epoch panics.
//   - **Worker Ids**: Unlink and Reclaim keep per-worker state; a thread id must not be
//     used by two goroutines at the same time.
//   - **Shutdown**: Shutdown ignores the grace period. It must only be called once no
//     transaction is running.
//
// # Leaf Lifecycle
//
// A leaf is ACTIVE while its reference count is positive, DRAINING once the
// count reaches zero, ELIGIBLE when it stayed at zero for the grace period,
// and REMOVED once a collector detached it from the tree. A leaf that gains a
// reference while DRAINING returns to ACTIVE and is republished when the
// count drops to zero again. The node-to-timestamp map records the latest
// publication, so older queue entries for the same node are recognised as
// stale and discarded.
//
// # Thread Safety
//
// All exported methods are safe for concurrent use, subject to the worker id
// rule above.
package mvcc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/cpu"

	"github.com/kianostad/epochgc/internal/clock"
	"github.com/kianostad/epochgc/internal/concurrency/epoch"
	"github.com/kianostad/epochgc/internal/concurrency/queue"
	"github.com/kianostad/epochgc/internal/concurrency/txn"
	"github.com/kianostad/epochgc/internal/monitoring/metrics"
	"github.com/kianostad/epochgc/internal/storage"
)

var (
	ErrGCAlreadyRunning = errors.New("mvcc: gc already running")
	ErrGCClosed         = errors.New("mvcc: gc closed")
	ErrNoStorage        = errors.New("mvcc: storage manager is required")
	ErrEpochNotFound    = errors.New("mvcc: epoch not registered or already sealed")
	ErrEpochFull        = errors.New("mvcc: epoch reached its transaction capacity")
)

// Catalog drops database objects once no transaction can observe them.
type Catalog interface {
	DropDatabase(db storage.OID) bool
	DropTable(db, table storage.OID) bool
	DropIndex(db, table, index storage.OID) bool
}

// Releaser takes back transaction contexts after they are reclaimed.
type Releaser interface {
	Release(c *txn.Context)
}

// LeafState describes where an epoch leaf is in its lifecycle.
type LeafState uint8

const (
	Active LeafState = iota
	Draining
	Eligible
	Removed
)

func (s LeafState) String() string {
	switch s {
	case Active:
		return "active"
	case Draining:
		return "draining"
	case Eligible:
		return "eligible"
	default:
		return "removed"
	}
}

// GarbageNode is a tree node published for retirement, stamped with the time
// of publication in clock nanoseconds.
type GarbageNode struct {
	Node      *epoch.Node
	Timestamp int64
}

// Dependencies are the collaborators of the collector. Only Storage is required.
type Dependencies struct {
	Storage *storage.Manager
	// Catalog defaults to Storage.
	Catalog  Catalog
	Versions *VersionIndex
	Releaser Releaser
	History  *QueryHistory
}

// Option configures a GC.
type Option func(*GC)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(gc *GC) {
		gc.logger = l
	}
}

// WithClock replaces the system clock.
func WithClock(c clock.Clock) Option {
	return func(gc *GC) {
		gc.clock = c
	}
}

// WithMetrics records collector activity.
func WithMetrics(m *metrics.Metrics) Option {
	return func(gc *GC) {
		gc.metrics = m
	}
}

type worker struct {
	_       cpu.CacheLinePad
	reclaim []*txn.Context
	_       cpu.CacheLinePad
}

// GC is the epoch-based garbage collector. It implements epoch.Registrar.
type GC struct {
	config   Config
	tree     *epoch.Tree
	storage  *storage.Manager
	catalog  Catalog
	versions *VersionIndex
	releaser Releaser
	history  *QueryHistory
	clock    clock.Clock
	logger   *slog.Logger
	metrics  *metrics.Metrics

	garbage    *queue.Queue[GarbageNode]
	timestamps sync.Map // *epoch.Node -> int64
	recycle    sync.Map // storage.OID -> *queue.Queue[storage.ItemPointer]
	workers    []worker

	mu      sync.Mutex // guards Start and Shutdown
	running atomic.Bool
	closed  atomic.Bool
	cancel  context.CancelFunc
	group   *errgroup.Group
}

// NewGC creates a collector. Zero config fields take their defaults.
func NewGC(cfg Config, deps Dependencies, opts ...Option) (*GC, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Storage == nil {
		return nil, ErrNoStorage
	}

	gc := &GC{
		config:   cfg,
		tree:     epoch.NewTree(cfg.MaxTxnsPerEpoch),
		storage:  deps.Storage,
		catalog:  deps.Catalog,
		versions: deps.Versions,
		releaser: deps.Releaser,
		history:  deps.History,
		clock:    clock.SystemClock,
		logger:   slog.Default(),
		garbage:  queue.New[GarbageNode](),
		workers:  make([]worker, cfg.Workers),
	}
	if gc.catalog == nil {
		gc.catalog = deps.Storage
	}
	for _, opt := range opts {
		opt(gc)
	}
	return gc, nil
}

// Config returns the effective configuration.
func (gc *GC) Config() Config {
	return gc.config
}

// Tree returns the epoch tree.
func (gc *GC) Tree() *epoch.Tree {
	return gc.tree
}

// Workers returns the number of collector workers.
func (gc *GC) Workers() int {
	return len(gc.workers)
}

func (gc *GC) worker(threadID int) *worker {
	if threadID < 0 || threadID >= len(gc.workers) {
		panic(fmt.Sprintf("mvcc: worker %d out of range [0, %d)", threadID, len(gc.workers)))
	}
	return &gc.workers[threadID]
}

// publish stamps the node and queues it for retirement. The map entry is
// written first so that a worker dequeuing the node never sees an older stamp.
// Sealed leaves are on their way out and are not stamped again.
func (gc *GC) publish(n *epoch.Node) {
	if n.Kind() == epoch.LeafNode && n.Leaf().Sealed() {
		return
	}
	ts := gc.stamp(n)
	gc.garbage.Enqueue(GarbageNode{Node: n, Timestamp: ts})
}

func (gc *GC) stamp(n *epoch.Node) int64 {
	ts := gc.clock.Now().UnixNano()
	gc.timestamps.Store(n, ts)
	return ts
}

// RegisterEpoch inserts a leaf for id and publishes it, so that an epoch
// nobody ever enters is still retired.
func (gc *GC) RegisterEpoch(id epoch.ID) *epoch.Node {
	n := gc.tree.Insert(id)
	gc.publish(n)
	if gc.metrics != nil {
		gc.metrics.RecordEpochRegistered()
	}
	return n
}

// IncrementRef takes a reference on epoch id. It fails when the leaf is
// absent or already sealed for retirement.
func (gc *GC) IncrementRef(id epoch.ID) bool {
	n := gc.tree.Find(id)
	if n == nil {
		return false
	}
	return n.Leaf().Acquire()
}

// DecrementRef drops a reference on epoch id and publishes the leaf when the
// count reaches zero. It returns false when the leaf is absent.
func (gc *GC) DecrementRef(id epoch.ID) bool {
	n := gc.tree.Find(id)
	if n == nil {
		return false
	}
	leaf := n.Leaf()
	if leaf.ReleaseHeld() {
		// The new stamp lands while the leaf is held, so a worker that
		// dequeues an older publication cannot seal it in between.
		ts := gc.stamp(n)
		leaf.Unhold()
		gc.garbage.Enqueue(GarbageNode{Node: n, Timestamp: ts})
	}
	return true
}

// BindTransaction queues a completed transaction on epoch id. It returns
// false when the leaf is absent or sealed.
func (gc *GC) BindTransaction(id epoch.ID, c *txn.Context) bool {
	n := gc.tree.Find(id)
	if n == nil {
		return false
	}
	leaf := n.Leaf()
	if leaf.Sealed() {
		return false
	}
	c.SetEpochID(uint64(id))
	leaf.Bind(c)
	if gc.metrics != nil {
		gc.metrics.RecordTxnBound()
	}
	return true
}

// TryBindTransaction binds c like BindTransaction but returns ErrEpochFull
// instead of panicking when the epoch is at capacity.
func (gc *GC) TryBindTransaction(id epoch.ID, c *txn.Context) error {
	n := gc.tree.Find(id)
	if n == nil || n.Leaf().Sealed() {
		return ErrEpochNotFound
	}
	prev := c.EpochID()
	c.SetEpochID(uint64(id))
	if !n.Leaf().TryBind(c) {
		c.SetEpochID(prev)
		return ErrEpochFull
	}
	if gc.metrics != nil {
		gc.metrics.RecordTxnBound()
	}
	return nil
}

// LeafState reports the lifecycle state of epoch id as of now.
func (gc *GC) LeafState(id epoch.ID, now time.Time) LeafState {
	n := gc.tree.Find(id)
	if n == nil {
		return Removed
	}
	leaf := n.Leaf()
	if leaf.Sealed() {
		return Eligible
	}
	if leaf.RefCount() > 0 {
		return Active
	}
	v, ok := gc.timestamps.Load(n)
	if !ok {
		return Eligible
	}
	if now.Sub(time.Unix(0, v.(int64))) < gc.config.GracePeriod {
		return Draining
	}
	return Eligible
}

// Pending returns the number of queued garbage nodes.
func (gc *GC) Pending() int {
	return gc.garbage.Len()
}

// ReclaimBacklog returns the number of unlinked transactions waiting for
// Reclaim on a worker.
func (gc *GC) ReclaimBacklog(threadID int) int {
	return len(gc.worker(threadID).reclaim)
}

// RegisterTable creates the recycle queue of a table. Tables without one
// never get slots back.
func (gc *GC) RegisterTable(table storage.OID) {
	gc.recycle.LoadOrStore(table, queue.New[storage.ItemPointer]())
}

// DeregisterTable drops the recycle queue of a table.
func (gc *GC) DeregisterTable(table storage.OID) {
	gc.recycle.Delete(table)
}

// ReturnFreeSlot pops a recycled slot of table, or the null pointer when
// none is available.
func (gc *GC) ReturnFreeSlot(table storage.OID) storage.ItemPointer {
	v, ok := gc.recycle.Load(table)
	if !ok {
		return storage.ItemPointer{}
	}
	loc, ok := v.(*queue.Queue[storage.ItemPointer]).Dequeue()
	if !ok {
		return storage.ItemPointer{}
	}
	if gc.metrics != nil {
		gc.metrics.RecordSlotReused()
	}
	return loc
}

// RecycledSlots returns the number of slots waiting in the recycle queue of table.
func (gc *GC) RecycledSlots(table storage.OID) int {
	v, ok := gc.recycle.Load(table)
	if !ok {
		return 0
	}
	return v.(*queue.Queue[storage.ItemPointer]).Len()
}

// Run is the loop of one collector worker. It alternates Reclaim and Unlink
// and sleeps with exponential backoff while there is nothing to do.
func (gc *GC) Run(ctx context.Context, threadID int) {
	backoff := gc.config.BackoffMin
	for gc.running.Load() {
		reclaimed := gc.Reclaim(threadID)
		res := gc.unlink(threadID, false)
		if reclaimed > 0 || res.nodes > 0 {
			backoff = gc.config.BackoffMin
			continue
		}

		if gc.metrics != nil {
			gc.metrics.RecordBackoff(backoff)
		}
		timer, expired := gc.clock.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-expired:
		}
		backoff = min(backoff*2, gc.config.BackoffMax)
	}
}

// Start launches the collector workers and the query history pool.
func (gc *GC) Start(ctx context.Context) error {
	gc.mu.Lock()
	defer gc.mu.Unlock()

	if gc.closed.Load() {
		return ErrGCClosed
	}
	if gc.running.Load() {
		return ErrGCAlreadyRunning
	}

	ctx, gc.cancel = context.WithCancel(ctx)
	group, groupCtx := errgroup.WithContext(ctx)
	gc.group = group
	gc.running.Store(true)

	if gc.history != nil {
		// Shutdown submits the statements it drains after cancelling the
		// workers; the pool ends with history.Stop only.
		gc.history.Start(context.WithoutCancel(ctx))
	}
	for i := range gc.workers {
		group.Go(func() error {
			gc.Run(groupCtx, i)
			return nil
		})
	}

	gc.logger.Info("gc started", "workers", len(gc.workers), "grace_period", gc.config.GracePeriod)
	return nil
}

// Running reports whether the workers are started.
func (gc *GC) Running() bool {
	return gc.running.Load()
}

// Shutdown stops the workers and synchronously retires everything that is
// no longer referenced, ignoring the grace period. It is idempotent.
func (gc *GC) Shutdown() {
	gc.mu.Lock()
	defer gc.mu.Unlock()

	if gc.closed.Swap(true) {
		return
	}
	gc.running.Store(false)
	if gc.cancel != nil {
		gc.cancel()
		_ = gc.group.Wait()
	}

	unlinked, reclaimed := 0, 0
	for i := range gc.workers {
		u, r := gc.clearGarbage(i)
		unlinked += u
		reclaimed += r
	}

	if gc.history != nil {
		gc.history.Stop()
	}
	gc.logger.Info("gc shut down",
		"unlinked", unlinked,
		"reclaimed", reclaimed,
		"leaves_left", gc.tree.Len())
}

func (gc *GC) clearGarbage(threadID int) (unlinked, reclaimed int) {
	w := gc.worker(threadID)
	for !gc.garbage.Empty() || len(w.reclaim) > 0 {
		res := gc.unlink(threadID, true)
		unlinked += res.txns
		reclaimed += gc.Reclaim(threadID)
	}
	return unlinked, reclaimed
}
