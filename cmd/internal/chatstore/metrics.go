package chatstore

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors for stores and the shard cache.
// A nil *Metrics disables instrumentation.
type Metrics struct {
	cacheHits          prometheus.Counter
	cacheMisses        prometheus.Counter
	cacheEvictions     prometheus.Counter
	cacheFlushes       prometheus.Counter
	cacheFlushFailures prometheus.Counter
	cacheEntries       prometheus.Gauge
	cacheDirty         prometheus.Gauge
	opSeconds          *prometheus.HistogramVec
	reconciled         prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg when non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "whisper", Subsystem: "shard_cache", Name: "hits_total",
			Help: "Shard cache lookups served from memory.",
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "whisper", Subsystem: "shard_cache", Name: "misses_total",
			Help: "Shard cache lookups that loaded from disk.",
		}),
		cacheEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "whisper", Subsystem: "shard_cache", Name: "evictions_total",
			Help: "Entries dropped from the shard cache.",
		}),
		cacheFlushes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "whisper", Subsystem: "shard_cache", Name: "flushes_total",
			Help: "Dirty shard entries written to disk.",
		}),
		cacheFlushFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "whisper", Subsystem: "shard_cache", Name: "flush_failures_total",
			Help: "Shard flushes that failed and were kept dirty.",
		}),
		cacheEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "whisper", Subsystem: "shard_cache", Name: "entries",
			Help: "Entries currently held by the shard cache.",
		}),
		cacheDirty: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "whisper", Subsystem: "shard_cache", Name: "dirty_entries",
			Help: "Entries holding unflushed writes.",
		}),
		opSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "whisper", Subsystem: "chatstore", Name: "operation_seconds",
			Help:    "Latency of message store operations.",
			Buckets: prometheus.DefBuckets,
		}, []string{"backend", "op", "result"}),
		reconciled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "whisper", Subsystem: "chatstore", Name: "shard_reconciled_total",
			Help: "Shard index entries repaired from shard file content.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.cacheHits, m.cacheMisses, m.cacheEvictions,
			m.cacheFlushes, m.cacheFlushFailures,
			m.cacheEntries, m.cacheDirty,
			m.opSeconds, m.reconciled,
		)
	}
	return m
}

func (m *Metrics) hit() {
	if m != nil {
		m.cacheHits.Inc()
	}
}

func (m *Metrics) miss() {
	if m != nil {
		m.cacheMisses.Inc()
	}
}

func (m *Metrics) evicted() {
	if m != nil {
		m.cacheEvictions.Inc()
	}
}

func (m *Metrics) flushed(err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.cacheFlushFailures.Inc()
		return
	}
	m.cacheFlushes.Inc()
}

func (m *Metrics) cacheSize(entries, dirty int) {
	if m != nil {
		m.cacheEntries.Set(float64(entries))
		m.cacheDirty.Set(float64(dirty))
	}
}

func (m *Metrics) reconcile() {
	if m != nil {
		m.reconciled.Inc()
	}
}

// observe records the latency of one store operation.
func (m *Metrics) observe(backend, op string, start time.Time, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.opSeconds.WithLabelValues(backend, op, result).Observe(time.Since(start).Seconds())
}

// Instrument wraps a store so every operation is timed under backend.
func Instrument(store MessageStore, backend string, m *Metrics) MessageStore {
	if m == nil || store == nil {
		return store
	}
	return &instrumentedStore{next: store, backend: backend, m: m}
}

type instrumentedStore struct {
	next    MessageStore
	backend string
	m       *Metrics
}

func (s *instrumentedStore) AppendMessage(ctx context.Context, conversationID string, msg Message) (res AppendResult, err error) {
	defer func(start time.Time) { s.m.observe(s.backend, "append", start, err) }(time.Now())
	return s.next.AppendMessage(ctx, conversationID, msg)
}

func (s *instrumentedStore) RecentMessages(ctx context.Context, conversationID string, limit int) (out []Message, err error) {
	defer func(start time.Time) { s.m.observe(s.backend, "recent", start, err) }(time.Now())
	return s.next.RecentMessages(ctx, conversationID, limit)
}

func (s *instrumentedStore) MessagesBefore(ctx context.Context, conversationID, cursorID string, limit int) (out []Message, err error) {
	defer func(start time.Time) {
		if errors.Is(err, ErrCursorNotFound) {
			s.m.observe(s.backend, "before", start, nil)
			return
		}
		s.m.observe(s.backend, "before", start, err)
	}(time.Now())
	return s.next.MessagesBefore(ctx, conversationID, cursorID, limit)
}

func (s *instrumentedStore) Close() error { return s.next.Close() }
