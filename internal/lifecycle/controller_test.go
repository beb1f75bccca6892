package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/exosim/control-plane/internal/domain"
	"github.com/exosim/control-plane/internal/store"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func newFixture(t *testing.T) (*Controller, *FakeClusterOps, store.Store) {
	t.Helper()
	st := store.NewMemoryStore()
	cluster := NewFakeClusterOps()
	ctrl := New(st, cluster, time.Minute, zerolog.Nop(), nil)
	return ctrl, cluster, st
}

func e1() domain.ExchangeWorker {
	return domain.ExchangeWorker{
		ExchID:        "e1",
		ExchangeType:  "equity",
		Timezone:      "America/New_York",
		PreOpenTime:   "04:00",
		PostCloseTime: "16:00",
	}
}

// TestReconcile_StartsAtBoundary implements the boundary behavior: a tick
// at exactly pre_open-5min starts the worker.
func TestReconcile_StartsAtBoundary(t *testing.T) {
	ctrl, cluster, st := newFixture(t)
	require.NoError(t, st.UpsertExchange(context.Background(), e1()))

	at, err := time.Parse(time.RFC3339, "2025-11-03T08:55:00Z")
	require.NoError(t, err)
	ctrl.now = func() time.Time { return at }

	require.NoError(t, ctrl.Reconcile(context.Background()))
	observed, _ := cluster.List(context.Background())
	_, running := observed["e1"]
	require.True(t, running)
}

// TestReconcile_StopsAfterBoundary implements the boundary behavior: a tick
// at post_close+5min+1s stops the worker.
func TestReconcile_StopsAfterBoundary(t *testing.T) {
	ctrl, cluster, st := newFixture(t)
	require.NoError(t, st.UpsertExchange(context.Background(), e1()))

	startAt, _ := time.Parse(time.RFC3339, "2025-11-03T12:00:00Z")
	ctrl.now = func() time.Time { return startAt }
	require.NoError(t, ctrl.Reconcile(context.Background()))

	stopAt, _ := time.Parse(time.RFC3339, "2025-11-03T21:05:01Z")
	ctrl.now = func() time.Time { return stopAt }
	require.NoError(t, ctrl.Reconcile(context.Background()))

	observed, _ := cluster.List(context.Background())
	_, running := observed["e1"]
	require.False(t, running)
}

// TestStartStop_Idempotent is testable invariant #7: two back-to-back
// Start calls yield exactly one worker; two Stop calls yield zero.
func TestStartStop_Idempotent(t *testing.T) {
	cluster := NewFakeClusterOps()
	spec := BuildSpec(e1())

	require.NoError(t, cluster.Start(context.Background(), spec))
	require.NoError(t, cluster.Start(context.Background(), spec))
	observed, _ := cluster.List(context.Background())
	require.Len(t, observed, 1)

	require.NoError(t, cluster.Stop(context.Background(), "e1"))
	require.NoError(t, cluster.Stop(context.Background(), "e1"))
	observed, _ = cluster.List(context.Background())
	require.Len(t, observed, 0)
}

func TestReconcile_UnhealthyWorkerNotForceRestarted(t *testing.T) {
	ctrl, cluster, st := newFixture(t)
	require.NoError(t, st.UpsertExchange(context.Background(), e1()))

	at, _ := time.Parse(time.RFC3339, "2025-11-03T12:00:00Z")
	ctrl.now = func() time.Time { return at }
	require.NoError(t, ctrl.Reconcile(context.Background()))

	cluster.SetHealthy("e1", false)
	require.NoError(t, ctrl.Reconcile(context.Background()))

	observed, _ := cluster.List(context.Background())
	_, stillRunning := observed["e1"]
	require.True(t, stillRunning, "unhealthy worker must not be force-restarted within the same tick")
}
