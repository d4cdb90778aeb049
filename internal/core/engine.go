// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package core provides the in-memory MVCC engine that produces garbage for
// the epoch-based collector and consumes the slots it reclaims.
//
// The engine keeps every version of a row in table tile groups, links the
// versions of one row through a shared indirection and records, per
// transaction, which versions became obsolete and why. Completed
// transactions are bound to the epoch current at their end; the collector
// retires that epoch once no transaction can still observe it, unlinks the
// versions from the indexes and recycles their slots.
//
// # Key Features
//
//   - Snapshot isolation with first-updater-wins write conflicts
//   - Hash and ordered secondary indexes with key reconstruction from tuples
//   - Uniqueness validated at commit against the latest committed state
//   - Deferred catalog drops that run only after the epoch is retired
//   - Background collection workers and epoch advancement, or manual
//     collection through Collect
//   - Optional query history of collected transactions
//
// # Usage Examples
//
// Opening an engine and running a transaction:
//
//	engine, err := core.New(ctx, config.Default())
//	if err != nil {
//	    return err
//	}
//	defer engine.Close()
//
//	db := engine.CreateDatabase("app")
//	users, _ := engine.CreateTable(db, "users", storage.TableOptions{})
//	byName, _ := engine.CreateIndex(db, users, core.IndexOptions{Unique: true})
//
//	err = engine.Update(ctx, func(tx *core.Txn) error {
//	    _, err := tx.Insert(db, users, []byte("alice"))
//	    return err
//	})
//
//	err = engine.View(ctx, func(tx *core.Txn) error {
//	    rows, err := tx.Lookup(db, users, byName, []byte("alice"))
//	    // ...
//	    return err
//	})
//
// # Dangers and Warnings
//
//   - **Transaction Lifetime**: Every Begin must end in Commit or Abort. An open
//     transaction pins its epoch and, with in-order retirement, every younger one.
//   - **Single Goroutine**: A Txn is not safe for concurrent use.
//   - **Index Backfill**: CreateIndex indexes the rows present at that moment
//     without blocking writers; create indexes before loading concurrent data.
//   - **Dangling Entries**: Deleted rows keep their index entries until the row's
//     slots are reused. Lookups filter them by visibility and key.
//   - **Manual Collection**: Collect is only available on engines opened with
//     WithManualCollection; it would race the background workers otherwise.
//
// # Thread Safety
//
// The Engine is safe for concurrent use. Commits are serialized by a single
// mutex; reads and writes before commit run concurrently.
package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kianostad/epochgc/internal/clock"
	"github.com/kianostad/epochgc/internal/concurrency/epoch"
	"github.com/kianostad/epochgc/internal/concurrency/txn"
	"github.com/kianostad/epochgc/internal/config"
	"github.com/kianostad/epochgc/internal/monitoring/metrics"
	"github.com/kianostad/epochgc/internal/storage"
	"github.com/kianostad/epochgc/internal/storage/index"
	"github.com/kianostad/epochgc/internal/storage/mvcc"
)

var (
	ErrEngineClosed  = errors.New("core: engine closed")
	ErrTxnClosed     = errors.New("core: transaction already finished")
	ErrWriteConflict = errors.New("core: write-write conflict")
	ErrNotFound      = errors.New("core: row not found")
	ErrDuplicateKey  = errors.New("core: duplicate key")
	ErrNotOrdered    = errors.New("core: index does not support range scans")
	ErrBackgroundGC  = errors.New("core: collection runs in the background")
)

// IndexKind selects the index implementation.
type IndexKind uint8

const (
	// Hash is the lock-free hash index. Point lookups only.
	Hash IndexKind = iota
	// Ordered is the B-tree index. Supports Range.
	Ordered
)

const defaultBuckets = 1024

// IndexOptions describes a secondary index.
type IndexOptions struct {
	Kind IndexKind
	// Key rebuilds the key from a tuple. Defaults to index.WholeTuple.
	Key    index.KeyFunc
	Unique bool
	// Buckets sizes a hash index. Defaults to 1024.
	Buckets uint64
}

// Row is one visible row.
type Row struct {
	ID    *storage.Indirection
	Tuple []byte
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger shared by the engine, the collector and the epoch manager.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithClock replaces the system clock.
func WithClock(c clock.Clock) Option {
	return func(e *Engine) {
		e.clock = c
	}
}

// WithMetrics uses m instead of a metrics instance owned by the engine.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithQueryLogger sets the sink of the query history. The history only runs
// when it is enabled in the configuration and a sink is given.
func WithQueryLogger(q mvcc.QueryLogger) Option {
	return func(e *Engine) {
		e.sink = q
	}
}

// WithManualCollection disables the collector workers and the epoch ticker.
// Garbage is then collected by calling Collect.
func WithManualCollection() Option {
	return func(e *Engine) {
		e.manual = true
	}
}

// Engine is an in-memory MVCC store wired to the epoch-based collector.
type Engine struct {
	cfg        config.Config
	logger     *slog.Logger
	clock      clock.Clock
	sink       mvcc.QueryLogger
	metrics    *metrics.Metrics
	ownMetrics bool
	manual     bool

	store    *storage.Manager
	versions *mvcc.VersionIndex
	pool     *txn.Pool
	history  *mvcc.QueryHistory
	gc       *mvcc.GC
	epochs   *epoch.Manager

	commitMu sync.Mutex
	lastCID  atomic.Uint64
	nextTxn  atomic.Uint64

	collectMu sync.Mutex

	mu      sync.RWMutex
	unique  map[storage.OID]bool
	dropped map[txn.ObjectRef]struct{}

	closed atomic.Bool
}

// New creates an engine and starts its collector and epoch ticker, unless
// WithManualCollection is given.
func New(ctx context.Context, cfg config.Config, opts ...Option) (*Engine, error) {
	gcCfg := cfg.MVCC().WithDefaults()
	if err := gcCfg.Validate(); err != nil {
		return nil, fmt.Errorf("core: %w", err)
	}

	e := &Engine{
		cfg:     cfg,
		logger:  slog.Default(),
		clock:   clock.SystemClock,
		store:   storage.NewManager(),
		pool:    txn.NewPool(),
		unique:  make(map[storage.OID]bool),
		dropped: make(map[txn.ObjectRef]struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.metrics == nil {
		e.metrics = metrics.NewMetricsWithConfig(cfg.MetricsConfig())
		e.ownMetrics = true
	}

	e.versions = mvcc.NewVersionIndex(e.store, txn.Oracle{})
	if cfg.QueryHistory.Enabled && e.sink != nil {
		e.history = mvcc.NewQueryHistory(e.sink, cfg.QueryHistory.Workers, cfg.QueryHistory.Buffer,
			mvcc.WithHistoryLogger(e.logger),
			mvcc.WithHistoryMetrics(e.metrics))
	}

	gc, err := mvcc.NewGC(gcCfg, mvcc.Dependencies{
		Storage:  e.store,
		Versions: e.versions,
		Releaser: e.pool,
		History:  e.history,
	}, mvcc.WithLogger(e.logger), mvcc.WithClock(e.clock), mvcc.WithMetrics(e.metrics))
	if err != nil {
		e.closeMetrics()
		return nil, fmt.Errorf("core: create collector: %w", err)
	}
	e.gc = gc
	e.epochs = epoch.NewManager(gc,
		epoch.WithInterval(time.Duration(cfg.EpochInterval)),
		epoch.WithClock(e.clock),
		epoch.WithLogger(e.logger),
		epoch.WithMetrics(e.metrics))

	if e.manual {
		if e.history != nil {
			e.history.Start(ctx)
		}
		return e, nil
	}
	if err := gc.Start(ctx); err != nil {
		e.closeMetrics()
		return nil, fmt.Errorf("core: start collector: %w", err)
	}
	e.epochs.Start()
	return e, nil
}

// CreateDatabase registers a database and returns its id.
func (e *Engine) CreateDatabase(name string) storage.OID {
	return e.store.CreateDatabase(name).OID()
}

// CreateTable registers a table. Mutable tables get their reclaimed slots
// back from the collector.
func (e *Engine) CreateTable(db storage.OID, name string, opts storage.TableOptions) (storage.OID, error) {
	if e.isDropped(txn.ObjectRef{Database: db}) {
		return storage.InvalidOID, fmt.Errorf("core: create table %q: %w", name, storage.ErrDatabaseNotFound)
	}
	t, err := e.store.CreateTable(db, name, opts)
	if err != nil {
		return storage.InvalidOID, fmt.Errorf("core: %w", err)
	}
	if !opts.Immutable {
		e.gc.RegisterTable(t.OID())
		t.SetFreeSlotSource(e.gc)
	}
	return t.OID(), nil
}

// CreateIndex adds a secondary index to a table and indexes the versions
// already stored in it.
func (e *Engine) CreateIndex(db, table storage.OID, opts IndexOptions) (storage.OID, error) {
	t, err := e.table(db, table)
	if err != nil {
		return storage.InvalidOID, err
	}
	key := opts.Key
	if key == nil {
		key = index.WholeTuple
	}

	oid := e.store.NextOID()
	var idx storage.Index
	switch opts.Kind {
	case Ordered:
		idx = index.NewOrderedIndex(oid, key, false)
	default:
		buckets := opts.Buckets
		if buckets == 0 {
			buckets = defaultBuckets
		}
		idx = index.NewHashIndex(oid, buckets, key, false)
	}

	if opts.Unique {
		e.mu.Lock()
		e.unique[oid] = true
		e.mu.Unlock()
	}
	if err := t.AddIndex(idx); err != nil {
		return storage.InvalidOID, fmt.Errorf("core: %w", err)
	}
	for _, tg := range t.TileGroups() {
		for offset := range tg.Allocated() {
			h := tg.Header(offset)
			if h.IsFree() || h.Indirection() == nil {
				continue
			}
			idx.InsertEntry(idx.KeyFromTuple(tg.Tuple(offset)), h.Indirection())
		}
	}
	return oid, nil
}

// Begin starts a transaction reading the latest committed snapshot.
func (e *Engine) Begin(ctx context.Context) (*Txn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if e.closed.Load() {
		return nil, ErrEngineClosed
	}

	ep := e.epochs.Enter()
	id := storage.TxnID(e.nextTxn.Add(1))
	thread := int(uint64(id) % uint64(e.gc.Workers()))
	c := e.pool.Get(id, thread, storage.CID(e.lastCID.Load()), uint64(ep))
	return &Txn{
		engine: e,
		ctx:    c,
		epoch:  ep,
		writes: make(map[*storage.Indirection]*write),
	}, nil
}

// View runs fn in a transaction that is always aborted.
func (e *Engine) View(ctx context.Context, fn func(tx *Txn) error) error {
	tx, err := e.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Abort()
	return fn(tx)
}

// Update runs fn in a transaction and commits it when fn returns nil.
func (e *Engine) Update(ctx context.Context, fn func(tx *Txn) error) error {
	tx, err := e.Begin(ctx)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Abort()
		return err
	}
	return tx.Commit()
}

// Collect advances the epoch and runs one unlink and reclaim pass on every
// collector worker. It returns the number of transactions reclaimed.
func (e *Engine) Collect(ctx context.Context) (int, error) {
	if !e.manual {
		return 0, ErrBackgroundGC
	}
	e.collectMu.Lock()
	defer e.collectMu.Unlock()
	if e.closed.Load() {
		return 0, ErrEngineClosed
	}

	e.epochs.Advance()
	total := 0
	for i := range e.gc.Workers() {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		e.gc.Unlink(i)
		total += e.gc.Reclaim(i)
	}
	return total, nil
}

// Close stops the epoch ticker and shuts the collector down, retiring every
// epoch no transaction holds. It is idempotent.
func (e *Engine) Close() {
	if e.closed.Swap(true) {
		return
	}
	e.collectMu.Lock()
	defer e.collectMu.Unlock()

	e.epochs.Stop()
	e.gc.Shutdown()
	e.logger.Info("engine closed",
		"last_commit", e.lastCID.Load(),
		"active_txns", e.epochs.ActiveCount())
	e.closeMetrics()
}

func (e *Engine) closeMetrics() {
	if e.ownMetrics {
		e.metrics.Close()
	}
}

// Stats returns a snapshot of the collector metrics.
func (e *Engine) Stats() metrics.MetricsSnapshot {
	return e.metrics.GetStats()
}

// LastCommit returns the commit id of the latest committed transaction.
func (e *Engine) LastCommit() storage.CID {
	return storage.CID(e.lastCID.Load())
}

func (e *Engine) Storage() *storage.Manager    { return e.store }
func (e *Engine) GC() *mvcc.GC                 { return e.gc }
func (e *Engine) Epochs() *epoch.Manager       { return e.epochs }
func (e *Engine) Versions() *mvcc.VersionIndex { return e.versions }
func (e *Engine) Metrics() *metrics.Metrics    { return e.metrics }
func (e *Engine) Pool() *txn.Pool              { return e.pool }
func (e *Engine) History() *mvcc.QueryHistory  { return e.history }
func (e *Engine) Config() config.Config        { return e.cfg }

func (e *Engine) isDropped(ref txn.ObjectRef) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.dropped[ref]
	return ok
}

func (e *Engine) markDropped(refs []txn.ObjectRef) {
	if len(refs) == 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ref := range refs {
		e.dropped[ref] = struct{}{}
		if ref.Level() == txn.IndexLevel {
			delete(e.unique, ref.Index)
		}
	}
}

func (e *Engine) isUnique(idx storage.OID) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.unique[idx]
}

// table resolves a table that has not been dropped by a committed transaction.
func (e *Engine) table(db, table storage.OID) (*storage.Table, error) {
	if e.isDropped(txn.ObjectRef{Database: db}) ||
		e.isDropped(txn.ObjectRef{Database: db, Table: table}) {
		return nil, fmt.Errorf("core: table %d in database %d: %w", table, db, storage.ErrTableNotFound)
	}
	t, ok := e.store.Table(db, table)
	if !ok {
		return nil, fmt.Errorf("core: table %d in database %d: %w", table, db, storage.ErrTableNotFound)
	}
	return t, nil
}

func (e *Engine) index(db, table, idx storage.OID) (storage.Index, error) {
	t, err := e.table(db, table)
	if err != nil {
		return nil, err
	}
	if e.isDropped(txn.ObjectRef{Database: db, Table: table, Index: idx}) {
		return nil, fmt.Errorf("core: index %d: %w", idx, storage.ErrIndexNotFound)
	}
	i, ok := t.Index(idx)
	if !ok {
		return nil, fmt.Errorf("core: index %d: %w", idx, storage.ErrIndexNotFound)
	}
	return i, nil
}

// bind hands a completed transaction to the epoch current at its end,
// opening a new epoch when the current one is full.
func (e *Engine) bind(c *txn.Context) {
	for {
		ep := e.epochs.Enter()
		err := e.gc.TryBindTransaction(ep, c)
		e.epochs.Exit(ep)
		switch {
		case err == nil:
			return
		case errors.Is(err, mvcc.ErrEpochFull):
			e.epochs.AdvanceFrom(ep)
		default:
			panic(fmt.Sprintf("core: bind transaction %d to held epoch %d: %v", c.ID(), ep, err))
		}
	}
}
