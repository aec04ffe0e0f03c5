package core

import (
	"errors"
	"testing"

	"LendLedger/internal/observability"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

type fakeLog struct {
	committed map[uuid.UUID]bool
	err       error
	calls     int
}

func (f *fakeLog) IsCommitted(id uuid.UUID) (bool, error) {
	f.calls++
	return f.committed[id], f.err
}

func TestRecentOperationsEvictsLeastRecent(t *testing.T) {
	r := newRecentOperations(2)
	a, b, c := uuid.New(), uuid.New(), uuid.New()

	r.add(a)
	r.add(b)
	require.True(t, r.contains(a)) // a is now most recent
	r.add(c)

	require.Equal(t, 2, r.size())
	require.True(t, r.contains(a))
	require.False(t, r.contains(b))
	require.Equal(t, []uuid.UUID{c, a}, r.ids())
}

func TestRecentOperationsWarmKeepsOrder(t *testing.T) {
	ids := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	r := newRecentOperations(10)
	r.warm(ids)
	require.Equal(t, ids, r.ids())
}

func TestOperationDedupFallsBackToLog(t *testing.T) {
	metrics := observability.NewMetricsWith(prometheus.NewRegistry())
	old := uuid.New()
	log := &fakeLog{committed: map[uuid.UUID]bool{old: true}}
	d := newOperationDedup(8, log, metrics)

	require.False(t, d.seen("deposit", uuid.New()))
	require.True(t, d.seen("deposit", old))
	require.Equal(t, 2, log.calls)

	// Found in the log once, then served from memory.
	require.True(t, d.seen("deposit", old))
	require.Equal(t, 2, log.calls)
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.IdempotencyDuplicates.WithLabelValues("deposit", "log")))
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.IdempotencyDuplicates.WithLabelValues("deposit", "lru")))

	fresh := uuid.New()
	d.remember(fresh)
	require.True(t, d.seen("borrow", fresh))
	require.Equal(t, 2, log.calls)
}

func TestOperationDedupLookupErrorIsUnseen(t *testing.T) {
	metrics := observability.NewMetricsWith(prometheus.NewRegistry())
	d := newOperationDedup(8, &fakeLog{err: errors.New("connection refused")}, metrics)

	require.False(t, d.seen("deposit", uuid.New()))
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.DedupLookupErrors))
}
