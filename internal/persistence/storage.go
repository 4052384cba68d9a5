// Package persistence provides persistent storage for gateway usage telemetry.
// Raw events are kept alongside hourly and daily rollups that are maintained
// incrementally on every write, so dashboard queries never scan raw rows.
package persistence

import (
	"context"
	"errors"
	"time"
)

// Bucket key layouts. All keys are UTC and sort lexicographically in time order.
const (
	HourBucketLayout   = "2006-01-02T15:00:00Z"
	DayBucketLayout    = "2006-01-02"
	EventTimeLayout    = "2006-01-02T15:04:05.000Z"
	hourKeyParseLayout = "2006-01-02T15:04:05Z"
)

// ErrStorageClosed is returned by operations on a closed storage.
var ErrStorageClosed = errors.New("persistence: storage is closed")

// UsageEvent is a single model call as recorded by a gateway. Only Timestamp is required.
//
// Descriptive string fields are stored as NULL in the raw table when empty and as ""
// in rollup keys. Numeric pointer fields are stored as NULL when nil and count as 0
// in every aggregate.
type UsageEvent struct {
	Timestamp time.Time

	GatewayID  string
	Channel    string
	Provider   string
	Model      string
	SessionKey string
	SessionID  string

	InputTokens      *int64
	OutputTokens     *int64
	CacheReadTokens  *int64
	CacheWriteTokens *int64
	PromptTokens     *int64
	TotalTokens      *int64

	CostUSD    *float64
	DurationMs *int64

	ContextLimit *int64
	ContextUsed  *int64
}

// HourBucket returns the hourly rollup key for the event.
func (e UsageEvent) HourBucket() string { return HourKey(e.Timestamp) }

// DayBucket returns the daily rollup key for the event.
func (e UsageEvent) DayBucket() string { return DayKey(e.Timestamp) }

// rollupDelta returns the amounts the event adds to its rollup rows.
func (e UsageEvent) rollupDelta() (input, output, total int64, cost float64) {
	return valueOrZero(e.InputTokens), valueOrZero(e.OutputTokens), valueOrZero(e.TotalTokens), floatOrZero(e.CostUSD)
}

// RollupRow is one hourly or daily aggregate keyed by (Bucket, GatewayID, Model).
type RollupRow struct {
	Bucket       string
	GatewayID    string
	Model        string
	EventCount   int64
	InputTokens  int64
	OutputTokens int64
	TotalTokens  int64
	CostUSD      float64
}

// ModelUsage is the per-model sum over daily rollups across all gateways.
type ModelUsage struct {
	Model       string
	EventCount  int64
	TotalTokens int64
	CostUSD     float64
}

// RetentionConfig holds the retention horizon of each table in days.
// A non-positive horizon disables cleanup for that table.
type RetentionConfig struct {
	RawDays    int
	HourlyDays int
	DailyDays  int
}

// CleanupResult reports how many rows each table lost in a cleanup run.
type CleanupResult struct {
	RawDeleted    int64
	HourlyDeleted int64
	DailyDeleted  int64
}

// Total returns the number of rows deleted across all tables.
func (r CleanupResult) Total() int64 {
	return r.RawDeleted + r.HourlyDeleted + r.DailyDeleted
}

// Storage defines the interface for persistent usage storage.
type Storage interface {
	// Write stores the raw event and updates both rollups atomically.
	Write(ctx context.Context, event UsageEvent) error

	// Rollup reads. Cutoffs are evaluated at call time and are inclusive.
	GetHourlyStats(ctx context.Context, hours int) ([]RollupRow, error)
	GetDailyStats(ctx context.Context, days int) ([]RollupRow, error)
	GetModelDistribution(ctx context.Context, days int) ([]ModelUsage, error)

	// Maintenance
	CleanupOldData(ctx context.Context, retention RetentionConfig) (CleanupResult, error)
	GetRecordCount(ctx context.Context) (int64, error)

	// Lifecycle
	Close() error
}

// HourKey truncates t to the hour in UTC and formats it as a bucket key.
func HourKey(t time.Time) string {
	return t.UTC().Truncate(time.Hour).Format(HourBucketLayout)
}

// DayKey formats the UTC calendar date of t as a bucket key.
func DayKey(t time.Time) string {
	return t.UTC().Format(DayBucketLayout)
}

// ParseHourKey parses a key produced by HourKey.
func ParseHourKey(key string) (time.Time, error) {
	return time.Parse(hourKeyParseLayout, key)
}

func valueOrZero(v *int64) int64 {
	if v == nil {
		return 0
	}
	return *v
}

func floatOrZero(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}

// Int64 returns a pointer to v. Handy for building events.
func Int64(v int64) *int64 { return &v }

// Float64 returns a pointer to v.
func Float64(v float64) *float64 { return &v }
