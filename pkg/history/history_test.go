package history

import (
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/wpgate/pkg/monitor"
	"github.com/ethpandaops/wpgate/pkg/store"
)

type fixture struct {
	svc       *service
	store     store.Store
	collector *monitor.Collector
	health    *monitor.HealthChecker
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()

	log := logrus.New()
	log.SetOutput(io.Discard)

	st := store.NewSQLiteStore(log, ":memory:")
	require.NoError(t, st.Start(context.Background()))
	t.Cleanup(func() { _ = st.Stop() })
	require.NoError(t, st.Migrate(context.Background()))

	f := &fixture{
		store:     st,
		collector: monitor.NewCollector(log),
		health:    monitor.NewHealthChecker(log, time.Second),
	}

	f.svc = NewService(log, cfg, st, f.collector, f.health).(*service)

	return f
}

func TestRecordAlerts(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	f.svc.RecordAlerts(ctx, []monitor.Alert{
		{Type: "high_error_rate", Severity: "warning", Message: "High error rate: 20.0%", Timestamp: time.Now()},
		{Type: "slow_response", Severity: "warning", Message: "slow"},
	})

	alerts, err := f.store.ListAlerts(ctx, store.AlertQueryOpts{})
	require.NoError(t, err)
	assert.Len(t, alerts, 2)
}

func TestSnapshot(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	f.collector.Record("wp_get_posts", 10*time.Millisecond, true)
	f.collector.Record("wp_get_posts", 10*time.Millisecond, false)
	f.health.SetHealthy(true, nil)

	require.NoError(t, f.svc.Snapshot(ctx))

	snaps, err := f.store.ListSnapshots(ctx, time.Now().Add(-time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, snaps, 1)

	assert.Equal(t, int64(2), snaps[0].TotalRequests)
	assert.Equal(t, int64(1), snaps[0].FailedRequests)
	assert.True(t, snaps[0].Healthy)

	var summary monitor.Summary
	require.NoError(t, json.Unmarshal([]byte(snaps[0].Summary), &summary))
	assert.InDelta(t, 50.0, summary.SuccessRate, 1e-9)
}

func TestCleanup(t *testing.T) {
	f := newFixture(t, Config{RetentionDays: 30})
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	f.svc.now = func() time.Time { return now }

	f.svc.RecordAlerts(ctx, []monitor.Alert{
		{Type: "old", Severity: "warning", Message: "old", Timestamp: now.AddDate(0, 0, -31)},
		{Type: "new", Severity: "warning", Message: "new", Timestamp: now.AddDate(0, 0, -1)},
	})

	count, err := f.svc.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	alerts, err := f.store.ListAlerts(ctx, store.AlertQueryOpts{})
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, "new", alerts[0].Type)
}

func TestCleanupDisabled(t *testing.T) {
	f := newFixture(t, Config{RetentionDays: -1})

	count, err := f.svc.Cleanup(context.Background())
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestStartStop(t *testing.T) {
	f := newFixture(t, Config{SnapshotInterval: 10 * time.Millisecond, RetentionDays: 30})

	require.NoError(t, f.svc.Start(context.Background()))

	assert.Eventually(t, func() bool {
		snaps, err := f.store.ListSnapshots(context.Background(), time.Now().Add(-time.Minute), 10)

		return err == nil && len(snaps) > 0
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, f.svc.Stop())
}
