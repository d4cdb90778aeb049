// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package epoch provides epoch-based memory reclamation for the MVCC engine.
//
// Time is divided into epochs. Every transaction enters the current epoch
// when it begins and exits it when it ends; obsolete versions are bound to
// an epoch and can only be freed once that epoch has no running transaction
// left. This package holds the two halves of that scheme: the Tree, an
// append-only weight-balanced tree of epoch leaves carrying reference counts
// and bound transactions, and the Manager, which issues epochs and routes
// enter/exit calls to the reference counts.
//
// # Key Features
//
//   - Weight-guided insertion that stays balanced without rotations
//   - O(log n) lookup by epoch id through covered ranges on internal nodes
//   - O(1) detachment of a node once its handle is known
//   - Lock-free reference counting on leaves with a sealed state that can
//     never be re-acquired
//   - Bounded per-epoch queue of completed transactions
//   - Background epoch advancement on a configurable interval
//
// # Usage Examples
//
// Creating a manager on top of a registrar (normally the garbage collector):
//
//	manager := epoch.NewManager(gc, epoch.WithInterval(40*time.Millisecond))
//	manager.Start()
//	defer manager.Stop()
//
//	e := manager.Enter()
//	// ... run the transaction ...
//	manager.Exit(e)
//
// Using the tree directly:
//
//	tree := epoch.NewTree(epoch.DefaultLeafCapacity)
//	leaf := tree.Insert(1)
//	leaf.Leaf().Acquire()
//	found := tree.Find(1)
//
// # Dangers and Warnings
//
//   - **Enter/Exit Pairing**: Each Enter() call must have a matching Exit() with
//     the returned epoch. A missing Exit pins the epoch and everything bound to it.
//   - **Insertion Order**: Tree.Insert panics for an epoch below the maximum
//     that is not present. Epoch ids are never reused.
//   - **Leaf Capacity**: Binding more transactions to one epoch than its capacity
//     panics. Advance epochs often enough for the commit rate.
//   - **Node Accessors**: Node.Parent/Left/Right read without the tree lock and are
//     meant for diagnostics and single-goroutine tests.
//
// # Best Practices
//
//   - Keep transactions short; a long transaction delays reclamation of every
//     younger epoch when retirement is in order
//   - Use defer for Exit in code paths that can fail
//   - Monitor ActiveCount to detect leaked transactions
//
// # Performance Considerations
//
//   - Enter and Exit are a tree lookup under a read lock plus one CAS
//   - Advance takes the tree write lock once
//   - Memory usage scales with the number of epochs not yet retired
//
// # Thread Safety
//
// The Manager and Tree are safe for concurrent use. Structural tree changes
// are serialized by one lock held for a single operation; reference counts
// are updated with atomic operations outside that lock.
//
// # See Also
//
// For the retirement of epochs and the reclamation of bound transactions,
// see the mvcc package.
package epoch

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kianostad/epochgc/internal/clock"
	"github.com/kianostad/epochgc/internal/monitoring/metrics"
)

// DefaultInterval is how often a started Manager advances the epoch.
const DefaultInterval = 40 * time.Millisecond

// Registrar tracks epochs on behalf of the Manager.
type Registrar interface {
	RegisterEpoch(id ID) *Node
	IncrementRef(id ID) bool
	DecrementRef(id ID) bool
}

// Manager issues epochs and maps transaction entry and exit onto epoch
// reference counts.
type Manager struct {
	registrar Registrar
	clock     clock.Clock
	interval  time.Duration
	logger    *slog.Logger

	mu      sync.Mutex // serializes Advance
	current atomic.Uint64
	active  atomic.Int64

	metrics *metrics.Metrics

	started atomic.Bool
	stop    atomic.Bool
	done    chan struct{}
	wg      sync.WaitGroup
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithInterval sets the background advancement interval.
func WithInterval(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.interval = d
		}
	}
}

// WithClock replaces the system clock.
func WithClock(c clock.Clock) ManagerOption {
	return func(m *Manager) {
		m.clock = c
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = l
	}
}

// WithMetrics records epoch advancement.
func WithMetrics(mt *metrics.Metrics) ManagerOption {
	return func(m *Manager) {
		m.metrics = mt
	}
}

// NewManager creates a new epoch manager. No epoch exists until the first
// Enter or Advance.
func NewManager(registrar Registrar, opts ...ManagerOption) *Manager {
	m := &Manager{
		registrar: registrar,
		clock:     clock.SystemClock,
		interval:  DefaultInterval,
		logger:    slog.Default(),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Current returns the current epoch, or zero before the first epoch.
func (m *Manager) Current() ID {
	return ID(m.current.Load())
}

// Advance opens a new epoch and returns it.
func (m *Manager) Advance() ID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.advanceLocked()
}

func (m *Manager) advanceLocked() ID {
	next := ID(m.current.Load() + 1)
	m.registrar.RegisterEpoch(next)
	m.current.Store(uint64(next))
	if m.metrics != nil {
		m.metrics.RecordEpochAdvanced()
	}
	return next
}

// AdvanceFrom opens a new epoch unless another goroutine already moved past seen.
func (m *Manager) AdvanceFrom(seen ID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ID(m.current.Load()) == seen {
		m.advanceLocked()
	}
}

// Enter takes a reference on the current epoch and returns it. If the
// current epoch was already retired, a new one is opened.
func (m *Manager) Enter() ID {
	for {
		e := m.Current()
		if e != 0 && m.registrar.IncrementRef(e) {
			m.active.Add(1)
			return e
		}
		m.AdvanceFrom(e)
	}
}

// Exit drops the reference taken by Enter.
func (m *Manager) Exit(e ID) {
	if !m.registrar.DecrementRef(e) {
		panic(fmt.Sprintf("epoch: exit from untracked epoch %d", e))
	}
	m.active.Add(-1)
}

// ActiveCount returns the number of transactions between Enter and Exit.
func (m *Manager) ActiveCount() int {
	return int(m.active.Load())
}

// Start begins advancing the epoch every interval.
func (m *Manager) Start() {
	if m.stop.Load() || m.started.Swap(true) {
		return
	}

	m.wg.Add(1)
	go m.run()
}

// Stop halts background advancement and waits for it to finish.
func (m *Manager) Stop() {
	if m.stop.Swap(true) {
		return
	}
	close(m.done)
	m.wg.Wait()
}

func (m *Manager) run() {
	defer m.wg.Done()

	ticker, tick := m.clock.NewTicker(m.interval)
	defer ticker.Stop()

	m.logger.Debug("epoch advancement started", "interval", m.interval)
	for {
		select {
		case <-m.done:
			return
		case <-tick:
			m.Advance()
		}
	}
}
