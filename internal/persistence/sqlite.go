package persistence

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// schemaVersion is recorded once in schema_version on first migration.
const schemaVersion = 1

// sqlitePragmas are applied to every pooled connection through the DSN.
var sqlitePragmas = []string{
	"busy_timeout(5000)",
	"journal_mode(WAL)",
	"synchronous(NORMAL)",
	"foreign_keys(1)",
}

// SQLStorage implements Storage on database/sql. It backs both the sqlite and the
// postgres engines; the dialect only changes placeholders and DDL.
type SQLStorage struct {
	db      *sql.DB
	dialect dialect
	path    string
	closed  atomic.Bool

	now func() time.Time
}

// NewSQLiteStorage opens (creating if needed) the sqlite database at path and migrates it.
// The database runs in WAL mode so concurrent readers are not blocked by a writer, and
// write transactions take the lock up front so concurrent writers queue on busy_timeout.
func NewSQLiteStorage(path string) (*SQLStorage, error) {
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create directory: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite", sqliteDSN(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if path == ":memory:" {
		// every connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(8)
		db.SetMaxIdleConns(4)
	}
	db.SetConnMaxLifetime(5 * time.Minute)

	storage := &SQLStorage{
		db:      db,
		dialect: sqliteDialect,
		path:    path,
		now:     time.Now,
	}
	if err := storage.migrate(context.Background(), schemaSQL); err != nil {
		db.Close()
		return nil, err
	}

	log.WithField("path", path).Info("SQLite storage initialized")
	return storage, nil
}

func sqliteDSN(path string) string {
	params := make([]string, 0, len(sqlitePragmas)+1)
	for _, p := range sqlitePragmas {
		params = append(params, "_pragma="+p)
	}
	params = append(params, "_txlock=immediate")
	return path + "?" + strings.Join(params, "&")
}

// migrate creates missing tables and indexes and records the schema version once.
func (s *SQLStorage) migrate(ctx context.Context, ddl string) error {
	for _, stmt := range splitStatements(ddl) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to initialize schema: %w", err)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin migration: %w", err)
	}
	defer tx.Rollback()

	insertVersion := fmt.Sprintf(
		"INSERT INTO schema_version (version) SELECT %d WHERE NOT EXISTS (SELECT 1 FROM schema_version)",
		schemaVersion,
	)
	if _, err := tx.ExecContext(ctx, insertVersion); err != nil {
		return fmt.Errorf("failed to record schema version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration: %w", err)
	}
	return nil
}

// splitStatements splits a DDL script on ";" and drops chunks that hold only comments.
func splitStatements(script string) []string {
	var stmts []string
	for _, chunk := range strings.Split(script, ";") {
		hasSQL := false
		for _, line := range strings.Split(chunk, "\n") {
			line = strings.TrimSpace(line)
			if line != "" && !strings.HasPrefix(line, "--") {
				hasSQL = true
				break
			}
		}
		if hasSQL {
			stmts = append(stmts, strings.TrimSpace(chunk))
		}
	}
	return stmts
}

// Close closes the database connection.
func (s *SQLStorage) Close() error {
	if s == nil || s.db == nil || !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if s.dialect.name == "sqlite" {
		_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	}
	return s.db.Close()
}

// SchemaVersion returns the recorded schema version.
func (s *SQLStorage) SchemaVersion(ctx context.Context) (int, error) {
	var version int
	if err := s.db.QueryRowContext(ctx, "SELECT MAX(version) FROM schema_version").Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return version, nil
}

const (
	insertEventSQL = `
		INSERT INTO usage_events (
			ts, gateway_id, channel, provider, model, session_key, session_id,
			input_tokens, output_tokens, cache_read_tokens, cache_write_tokens, prompt_tokens, total_tokens,
			cost_usd, duration_ms, context_limit, context_used
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	upsertRollupSQL = `
		INSERT INTO %[1]s (%[2]s, gateway_id, model, event_count, input_tokens, output_tokens, total_tokens, cost_usd)
		VALUES (?, ?, ?, 1, ?, ?, ?, ?)
		ON CONFLICT (%[2]s, gateway_id, model) DO UPDATE SET
			event_count   = %[1]s.event_count + 1,
			input_tokens  = %[1]s.input_tokens + excluded.input_tokens,
			output_tokens = %[1]s.output_tokens + excluded.output_tokens,
			total_tokens  = %[1]s.total_tokens + excluded.total_tokens,
			cost_usd      = %[1]s.cost_usd + excluded.cost_usd
	`
)

var (
	upsertHourlySQL = fmt.Sprintf(upsertRollupSQL, "hourly_stats", "hour")
	upsertDailySQL  = fmt.Sprintf(upsertRollupSQL, "daily_stats", "day")
)

// Write inserts the raw event and upserts its hourly and daily rollups in one transaction.
func (s *SQLStorage) Write(ctx context.Context, event UsageEvent) error {
	if s.closed.Load() {
		return ErrStorageClosed
	}
	if event.Timestamp.IsZero() {
		return fmt.Errorf("failed to write event: missing timestamp")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, s.dialect.rebind(insertEventSQL),
		event.Timestamp.UTC().Format(EventTimeLayout),
		nullString(event.GatewayID), nullString(event.Channel), nullString(event.Provider),
		nullString(event.Model), nullString(event.SessionKey), nullString(event.SessionID),
		nullInt(event.InputTokens), nullInt(event.OutputTokens),
		nullInt(event.CacheReadTokens), nullInt(event.CacheWriteTokens),
		nullInt(event.PromptTokens), nullInt(event.TotalTokens),
		nullFloat(event.CostUSD), nullInt(event.DurationMs),
		nullInt(event.ContextLimit), nullInt(event.ContextUsed),
	)
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}

	input, output, total, cost := event.rollupDelta()
	if _, err := tx.ExecContext(ctx, s.dialect.rebind(upsertHourlySQL),
		event.HourBucket(), event.GatewayID, event.Model, input, output, total, cost,
	); err != nil {
		return fmt.Errorf("failed to upsert hourly stats: %w", err)
	}
	if _, err := tx.ExecContext(ctx, s.dialect.rebind(upsertDailySQL),
		event.DayBucket(), event.GatewayID, event.Model, input, output, total, cost,
	); err != nil {
		return fmt.Errorf("failed to upsert daily stats: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// GetHourlyStats returns hourly rollups from the bucket containing now-hours onwards,
// ascending by bucket.
func (s *SQLStorage) GetHourlyStats(ctx context.Context, hours int) ([]RollupRow, error) {
	cutoff := HourKey(s.now().Add(-time.Duration(hours) * time.Hour))
	return s.queryRollups(ctx, "hourly_stats", "hour", cutoff)
}

// GetDailyStats returns daily rollups from the date of now-days onwards, ascending by day.
func (s *SQLStorage) GetDailyStats(ctx context.Context, days int) ([]RollupRow, error) {
	cutoff := DayKey(s.now().AddDate(0, 0, -days))
	return s.queryRollups(ctx, "daily_stats", "day", cutoff)
}

func (s *SQLStorage) queryRollups(ctx context.Context, table, bucketColumn, cutoff string) ([]RollupRow, error) {
	if s.closed.Load() {
		return nil, ErrStorageClosed
	}
	query := fmt.Sprintf(`
		SELECT %[2]s, gateway_id, model, event_count, input_tokens, output_tokens, total_tokens, cost_usd
		FROM %[1]s
		WHERE %[2]s >= ?
		ORDER BY %[2]s ASC, gateway_id ASC, model ASC
	`, table, bucketColumn)

	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(query), cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", table, err)
	}
	defer rows.Close()

	result := []RollupRow{}
	for rows.Next() {
		var r RollupRow
		if err := rows.Scan(
			&r.Bucket, &r.GatewayID, &r.Model, &r.EventCount,
			&r.InputTokens, &r.OutputTokens, &r.TotalTokens, &r.CostUSD,
		); err != nil {
			return nil, fmt.Errorf("failed to scan %s row: %w", table, err)
		}
		result = append(result, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return result, nil
}

// GetModelDistribution sums daily rollups per model over the window, ignoring events
// without a model, ordered by total tokens descending then model name.
func (s *SQLStorage) GetModelDistribution(ctx context.Context, days int) ([]ModelUsage, error) {
	if s.closed.Load() {
		return nil, ErrStorageClosed
	}
	query := `
		SELECT
			model,
			CAST(COALESCE(SUM(event_count), 0) AS BIGINT) AS events,
			CAST(COALESCE(SUM(total_tokens), 0) AS BIGINT) AS tokens,
			COALESCE(SUM(cost_usd), 0) AS cost
		FROM daily_stats
		WHERE day >= ? AND model <> ''
		GROUP BY model
		ORDER BY tokens DESC, model ASC
	`
	cutoff := DayKey(s.now().AddDate(0, 0, -days))

	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(query), cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to query model distribution: %w", err)
	}
	defer rows.Close()

	result := []ModelUsage{}
	for rows.Next() {
		var m ModelUsage
		if err := rows.Scan(&m.Model, &m.EventCount, &m.TotalTokens, &m.CostUSD); err != nil {
			return nil, fmt.Errorf("failed to scan model distribution: %w", err)
		}
		result = append(result, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return result, nil
}

// CleanupOldData deletes rows strictly older than each table's horizon and then reclaims
// space. Rows sitting exactly on a horizon are kept. Reclaiming space is best effort.
func (s *SQLStorage) CleanupOldData(ctx context.Context, retention RetentionConfig) (CleanupResult, error) {
	var result CleanupResult
	if s.closed.Load() {
		return result, ErrStorageClosed
	}
	now := s.now()

	steps := []struct {
		days    int
		query   string
		cutoff  func(time.Time) string
		deleted *int64
	}{
		{retention.RawDays, "DELETE FROM usage_events WHERE ts < ?", func(t time.Time) string {
			return t.UTC().Format(EventTimeLayout)
		}, &result.RawDeleted},
		{retention.HourlyDays, "DELETE FROM hourly_stats WHERE hour < ?", HourKey, &result.HourlyDeleted},
		{retention.DailyDays, "DELETE FROM daily_stats WHERE day < ?", DayKey, &result.DailyDeleted},
	}

	for _, step := range steps {
		if step.days <= 0 {
			continue
		}
		cutoff := step.cutoff(now.AddDate(0, 0, -step.days))
		res, err := s.db.ExecContext(ctx, s.dialect.rebind(step.query), cutoff)
		if err != nil {
			return result, fmt.Errorf("failed to cleanup records: %w", err)
		}
		deleted, err := res.RowsAffected()
		if err != nil {
			return result, fmt.Errorf("failed to get rows affected: %w", err)
		}
		*step.deleted = deleted
	}

	if result.Total() > 0 {
		if _, err := s.db.ExecContext(ctx, "VACUUM"); err != nil {
			log.WithError(err).Warn("Failed to reclaim space after cleanup")
		}
		log.WithFields(log.Fields{
			"raw":    result.RawDeleted,
			"hourly": result.HourlyDeleted,
			"daily":  result.DailyDeleted,
		}).Info("Cleanup completed")
	}

	return result, nil
}

// GetRecordCount returns the number of raw events.
func (s *SQLStorage) GetRecordCount(ctx context.Context) (int64, error) {
	if s.closed.Load() {
		return 0, ErrStorageClosed
	}
	var count int64
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM usage_events").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to get record count: %w", err)
	}
	return count, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullInt(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}
