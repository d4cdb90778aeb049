// Licensed under the MIT License. See LICENSE file in the project root for details.

package mvcc

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/kianostad/epochgc/internal/monitoring/metrics"
)

// QueryLogger persists one statement of a collected transaction.
type QueryLogger interface {
	LogQuery(ctx context.Context, id uuid.UUID, query string, timestamp uint64) error
}

type queryTask struct {
	id        uuid.UUID
	query     string
	timestamp uint64
}

// QueryHistory hands statements of collected transactions to a QueryLogger
// on a small pool of goroutines. Submission never blocks; tasks that do not
// fit in the buffer are dropped.
type QueryHistory struct {
	sink    QueryLogger
	workers int
	tasks   chan queryTask
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	started atomic.Bool
	stopped atomic.Bool
	cancel  context.CancelFunc
	group   *errgroup.Group
}

// QueryHistoryOption configures a QueryHistory.
type QueryHistoryOption func(*QueryHistory)

// WithHistoryLogger sets the logger used for failed writes.
func WithHistoryLogger(l *slog.Logger) QueryHistoryOption {
	return func(h *QueryHistory) {
		h.logger = l
	}
}

// WithHistoryMetrics records submissions, drops and failures.
func WithHistoryMetrics(m *metrics.Metrics) QueryHistoryOption {
	return func(h *QueryHistory) {
		h.metrics = m
	}
}

// NewQueryHistory creates a pool with the given number of workers and task buffer.
func NewQueryHistory(sink QueryLogger, workers, buffer int, opts ...QueryHistoryOption) *QueryHistory {
	h := &QueryHistory{
		sink:    sink,
		workers: max(workers, 1),
		tasks:   make(chan queryTask, max(buffer, 1)),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Start launches the workers. They run until Stop; cancelling ctx does not
// end them. Calling it again has no effect.
func (h *QueryHistory) Start(ctx context.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped.Load() || h.started.Load() {
		return
	}

	ctx, h.cancel = context.WithCancel(context.WithoutCancel(ctx))
	h.group, ctx = errgroup.WithContext(ctx)
	for range h.workers {
		h.group.Go(func() error {
			h.run(ctx)
			return nil
		})
	}
	h.started.Store(true)
}

// Submit queues a statement for logging and reports whether it was accepted.
func (h *QueryHistory) Submit(query string, timestamp uint64) bool {
	if !h.started.Load() || h.stopped.Load() {
		h.record(metrics.EventQueryDropped)
		return false
	}
	select {
	case h.tasks <- queryTask{id: uuid.New(), query: query, timestamp: timestamp}:
		h.record(metrics.EventQuerySubmitted)
		return true
	default:
		h.record(metrics.EventQueryDropped)
		h.logger.Warn("query history full, dropping statement", "timestamp", timestamp)
		return false
	}
}

// Stop writes out the tasks already queued and waits for the workers.
func (h *QueryHistory) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped.Swap(true) || !h.started.Load() {
		return
	}
	h.cancel()
	_ = h.group.Wait()
}

func (h *QueryHistory) run(ctx context.Context) {
	for {
		select {
		case t := <-h.tasks:
			h.write(context.WithoutCancel(ctx), t)
		case <-ctx.Done():
			for {
				select {
				case t := <-h.tasks:
					h.write(context.WithoutCancel(ctx), t)
				default:
					return
				}
			}
		}
	}
}

func (h *QueryHistory) write(ctx context.Context, t queryTask) {
	if err := h.sink.LogQuery(ctx, t.id, t.query, t.timestamp); err != nil {
		h.record(metrics.EventQueryFailed)
		h.logger.Warn("query history write failed", "id", t.id, "error", err)
	}
}

func (h *QueryHistory) record(t metrics.EventType) {
	if h.metrics != nil {
		h.metrics.RecordQuery(t)
	}
}
