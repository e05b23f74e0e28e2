package chatstore

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMetrics_CacheCounters(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	f := newRecordingFlusher()
	c := newTestCache(1, f, WithCacheMetrics(m))
	ctx := context.Background()

	require.NoError(t, c.AddMessage(ctx, key("s1"), msgAt("a", base), emptyLoad))
	_, err := c.Get(ctx, key("s1"), emptyLoad)
	require.NoError(t, err)
	_, err = c.Get(ctx, key("s2"), emptyLoad)
	require.NoError(t, err)

	require.Equal(t, float64(1), testutil.ToFloat64(m.cacheHits))
	require.Equal(t, float64(1), testutil.ToFloat64(m.cacheEvictions))
	require.Equal(t, float64(1), testutil.ToFloat64(m.cacheFlushes))
	require.Equal(t, float64(1), testutil.ToFloat64(m.cacheEntries))
	require.Equal(t, float64(0), testutil.ToFloat64(m.cacheDirty))
	require.NoError(t, c.Close(ctx))
}

func TestInstrument_CursorMissIsNotAnError(t *testing.T) {
	m := NewMetrics(nil)
	s := Instrument(NewInMemoryStore(), "memory", m)
	ctx := context.Background()

	mustAppend(t, s, testConv, msgAt("a", base))
	_, err := s.MessagesBefore(ctx, testConv, "missing", 10)
	require.ErrorIs(t, err, ErrCursorNotFound)
	_, err = s.RecentMessages(ctx, testConv, 0)
	require.ErrorIs(t, err, ErrInvalidInput)

	require.Equal(t, 1, testutil.CollectAndCount(m.opSeconds.WithLabelValues("memory", "before", "ok").(prometheus.Histogram)))
	require.Equal(t, 3, testutil.CollectAndCount(m.opSeconds))
}

func TestInstrument_NilMetricsReturnsStore(t *testing.T) {
	s := NewInMemoryStore()
	require.Same(t, s, Instrument(s, "memory", nil))
}
