package persistence

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantumspring/usagemon/internal/config"
	"github.com/quantumspring/usagemon/internal/usage"
)

func TestNextCleanup(t *testing.T) {
	tests := []struct {
		name string
		now  time.Time
		hour int
		want time.Time
	}{
		{
			name: "later today",
			now:  time.Date(2026, 3, 10, 1, 15, 0, 0, time.UTC),
			hour: 4,
			want: time.Date(2026, 3, 10, 4, 0, 0, 0, time.UTC),
		},
		{
			name: "already passed",
			now:  time.Date(2026, 3, 10, 5, 0, 0, 0, time.UTC),
			hour: 4,
			want: time.Date(2026, 3, 11, 4, 0, 0, 0, time.UTC),
		},
		{
			name: "exactly at the hour",
			now:  time.Date(2026, 3, 10, 4, 0, 0, 0, time.UTC),
			hour: 4,
			want: time.Date(2026, 3, 11, 4, 0, 0, 0, time.UTC),
		},
		{
			name: "non utc clock",
			now:  time.Date(2026, 3, 10, 3, 0, 0, 0, time.FixedZone("UTC+5", 5*3600)),
			hour: 4,
			want: time.Date(2026, 3, 10, 4, 0, 0, 0, time.UTC),
		},
		{
			name: "month rollover",
			now:  time.Date(2026, 1, 31, 23, 0, 0, 0, time.UTC),
			hour: 0,
			want: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := nextCleanup(tt.now, tt.hour)
			assert.True(t, got.Equal(tt.want), "expected %v, got %v", tt.want, got)
		})
	}
}

type retentionRecorder struct {
	memoryStorage
	seen []RetentionConfig
}

func (r *retentionRecorder) CleanupOldData(_ context.Context, retention RetentionConfig) (CleanupResult, error) {
	r.seen = append(r.seen, retention)
	return CleanupResult{RawDeleted: 1}, nil
}

func TestServiceRunCleanupUsesCurrentRetention(t *testing.T) {
	storage := &retentionRecorder{}
	cfg := config.Default()
	svc := newService(storage, cfg)

	result, err := svc.RunCleanup(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), result.Total())

	updated := config.Default()
	updated.Retention.RawDays = 3
	updated.CleanupHour = 6
	svc.UpdateConfig(updated)
	_, err = svc.RunCleanup(context.Background())
	require.NoError(t, err)

	require.Len(t, storage.seen, 2)
	assert.Equal(t, RetentionConfig{RawDays: 7, HourlyDays: 90, DailyDays: 365}, storage.seen[0])
	assert.Equal(t, 3, storage.seen[1].RawDays)
	assert.Equal(t, int32(6), svc.cleanupHour.Load())
}

func TestInitializeWiresPluginToManager(t *testing.T) {
	cfg := config.Default()
	cfg.DatabasePath = filepath.Join(t.TempDir(), "data", "usage.db")
	cfg.GatewayID = "gw-test"
	cfg.Buffer.FlushInterval = time.Hour

	manager := usage.NewManager()
	ctx := context.Background()

	svc, err := Initialize(ctx, cfg, manager)
	require.NoError(t, err)

	manager.Publish(ctx, usageEvent("claude-sonnet-4", 120))
	manager.Publish(ctx, usage.Event{Type: "heartbeat"})

	stats := svc.Plugin().Flush(ctx)
	assert.Equal(t, 1, stats.Written)

	count, err := svc.Storage().GetRecordCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	overview, err := BuildOverview(ctx, svc.Storage(), 24)
	require.NoError(t, err)
	require.Len(t, overview.TopGateways, 1)
	assert.Equal(t, "gw-test", overview.TopGateways[0].ID)

	require.NoError(t, svc.Shutdown(ctx))
	require.NoError(t, svc.Shutdown(ctx))

	// unsubscribed after shutdown
	manager.Publish(ctx, usageEvent("claude-sonnet-4", 1))
	assert.Equal(t, int64(0), svc.Plugin().Stats().Dropped)
}

func TestOpenStorageRejectsUnknownType(t *testing.T) {
	cfg := config.Default()
	cfg.DatabaseType = "mongo"
	_, err := OpenStorage(context.Background(), cfg)
	assert.Error(t, err)
}
