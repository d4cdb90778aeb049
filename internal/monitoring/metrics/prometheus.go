// Licensed under the MIT License. See LICENSE file in the project root for details.

package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	prometheusMetrics sync.Once

	gcEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "epochgc",
			Subsystem: "gc",
			Name:      "events_total",
			Help:      "Number of garbage collector events, by event type.",
		},
		[]string{"event"})
	gcTransactions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "epochgc",
			Subsystem: "gc",
			Name:      "transactions_total",
			Help:      "Number of transactions processed by the collector, by phase.",
		},
		[]string{"phase"})
	gcTransactionsUnlinked  = gcTransactions.WithLabelValues("unlink")
	gcTransactionsReclaimed = gcTransactions.WithLabelValues("reclaim")

	gcPassDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "epochgc",
			Subsystem: "gc",
			Name:      "pass_duration_seconds",
			Help:      "Amount of time spent per unlink or reclaim pass, in seconds.",
			Buckets:   prometheus.ExponentialBuckets(1.0e-6, 4.0, 10),
		},
		[]string{"phase"})
	gcUnlinkDurationSeconds  = gcPassDurationSeconds.WithLabelValues("unlink")
	gcReclaimDurationSeconds = gcPassDurationSeconds.WithLabelValues("reclaim")
)

func registerPrometheus() {
	prometheusMetrics.Do(func() {
		prometheus.MustRegister(gcEvents)
		prometheus.MustRegister(gcTransactions)
		prometheus.MustRegister(gcPassDurationSeconds)
	})
}

func observePrometheus(event MetricEvent) {
	gcEvents.WithLabelValues(event.Type.String()).Inc()
	switch event.Type {
	case EventUnlink:
		gcTransactionsUnlinked.Add(float64(event.Count))
		gcUnlinkDurationSeconds.Observe(event.Duration.Seconds())
	case EventReclaim:
		gcTransactionsReclaimed.Add(float64(event.Count))
		gcReclaimDurationSeconds.Observe(event.Duration.Seconds())
	}
}
