package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"trade-warden/internal/alerting"
	"trade-warden/internal/slo"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	upsertSLOSampleSQL = `INSERT INTO slo_samples (
        bucket_ts,
        uptime_pct,
        error_rate_pct,
        latency_p95_ms,
        avg_uptime_pct,
        avg_error_rate_pct,
        max_latency_p95_ms
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7
    )
    ON CONFLICT (bucket_ts) DO UPDATE
    SET
        uptime_pct         = EXCLUDED.uptime_pct,
        error_rate_pct     = EXCLUDED.error_rate_pct,
        latency_p95_ms     = EXCLUDED.latency_p95_ms,
        avg_uptime_pct     = EXCLUDED.avg_uptime_pct,
        avg_error_rate_pct = EXCLUDED.avg_error_rate_pct,
        max_latency_p95_ms = EXCLUDED.max_latency_p95_ms;`

	listSamplesBetweenSQL = `SELECT
        bucket_ts,
        uptime_pct,
        error_rate_pct,
        latency_p95_ms,
        avg_uptime_pct,
        avg_error_rate_pct,
        max_latency_p95_ms,
        created_at
    FROM slo_samples
    WHERE bucket_ts >= $1
      AND bucket_ts < $2
    ORDER BY bucket_ts;`

	listRecentSamplesSQL = `SELECT
        bucket_ts,
        uptime_pct,
        error_rate_pct,
        latency_p95_ms,
        avg_uptime_pct,
        avg_error_rate_pct,
        max_latency_p95_ms,
        created_at
    FROM slo_samples
    ORDER BY bucket_ts DESC
    LIMIT $1;`

	countSamplesSQL = `SELECT COUNT(*) FROM slo_samples;`

	deleteSamplesBeforeSQL = `DELETE FROM slo_samples WHERE bucket_ts < $1;`

	insertBreachSQL = `INSERT INTO breach_events (
        breach_id,
        bucket_ts,
        reasons,
        avg_uptime_pct,
        avg_error_rate_pct,
        max_latency_p95_ms
    ) VALUES (
        $1,$2,$3,$4,$5,$6
    )
    ON CONFLICT (breach_id) DO NOTHING;`

	listRecentBreachesSQL = `SELECT
        breach_id,
        bucket_ts,
        reasons,
        avg_uptime_pct,
        avg_error_rate_pct,
        max_latency_p95_ms,
        created_at
    FROM breach_events
    ORDER BY bucket_ts DESC
    LIMIT $1;`

	insertAlertSQL = `INSERT INTO alerts (
        alert_ts,
        severity,
        component,
        summary,
        detail
    ) VALUES (
        $1,$2,$3,$4,$5
    )
    RETURNING id;`

	listRecentAlertsSQL = `SELECT
        id,
        alert_ts,
        severity,
        component,
        summary,
        detail,
        created_at
    FROM alerts
    ORDER BY created_at DESC
    LIMIT $1;`

	deleteAlertsBeforeSQL = `DELETE FROM alerts WHERE created_at < $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// HistoryWriter defines the write path used by the control plane.
type HistoryWriter interface {
	SaveSLOSample(ctx context.Context, sample slo.Sample, agg slo.Aggregates) error
	SaveBreach(ctx context.Context, event slo.BreachEvent) error
	SaveAlert(ctx context.Context, note alerting.Notification) error
}

// HistoryReader defines the query path used by operator commands.
type HistoryReader interface {
	ListSamplesBetween(ctx context.Context, from, to time.Time) ([]SLOSampleRecord, error)
	ListRecentSamples(ctx context.Context, limit int) ([]SLOSampleRecord, error)
	ListRecentBreaches(ctx context.Context, limit int) ([]BreachRecord, error)
	ListRecentAlerts(ctx context.Context, limit int) ([]AlertRecord, error)
	CountSamples(ctx context.Context) (int64, error)
}

// AdvisoryLocker exposes advisory lock helpers for single-writer setups.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates access to the evaluation history tables.
type Store struct {
	pool *pgxpool.Pool
}

var (
	_ HistoryWriter  = (*Store)(nil)
	_ HistoryReader  = (*Store)(nil)
	_ AdvisoryLocker = (*Store)(nil)
)

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := conn.Exec(ctxUnlock, advisoryUnlockSQL, key); err != nil {
			// unlock best effort; log omitted in storage package
		}
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// SaveSLOSample persists one evaluation tick with its window aggregates.
func (s *Store) SaveSLOSample(ctx context.Context, sample slo.Sample, agg slo.Aggregates) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	_, execErr := pool.Exec(ctx, upsertSLOSampleSQL,
		sample.TS,
		decimal.NewFromFloat(sample.UptimePct).String(),
		decimal.NewFromFloat(sample.ErrorRatePct).String(),
		decimal.NewFromFloat(sample.LatencyP95MS).String(),
		decimal.NewFromFloat(agg.AvgUptimePct).String(),
		decimal.NewFromFloat(agg.AvgErrorRatePct).String(),
		decimal.NewFromFloat(agg.MaxLatencyP95MS).String(),
	)
	if execErr != nil {
		return fmt.Errorf("upsert slo sample: %w", execErr)
	}
	return nil
}

// SaveBreach persists one breach event. Replays of the same breach id are
// ignored so retried writes stay idempotent.
func (s *Store) SaveBreach(ctx context.Context, event slo.BreachEvent) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	_, execErr := pool.Exec(ctx, insertBreachSQL,
		event.ID,
		event.TS,
		event.Reasons,
		decimal.NewFromFloat(event.Metrics.AvgUptimePct).String(),
		decimal.NewFromFloat(event.Metrics.AvgErrorRatePct).String(),
		decimal.NewFromFloat(event.Metrics.MaxLatencyP95MS).String(),
	)
	if execErr != nil {
		return fmt.Errorf("insert breach event: %w", execErr)
	}
	return nil
}

// SaveAlert persists one emitted notification.
func (s *Store) SaveAlert(ctx context.Context, note alerting.Notification) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	var id int64
	row := pool.QueryRow(ctx, insertAlertSQL,
		note.TS,
		note.Severity,
		note.Component,
		note.Summary,
		note.Detail,
	)
	if scanErr := row.Scan(&id); scanErr != nil {
		return fmt.Errorf("insert alert: %w", scanErr)
	}
	return nil
}

// ListSamplesBetween lists samples within a time window.
func (s *Store) ListSamplesBetween(ctx context.Context, from, to time.Time) ([]SLOSampleRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listSamplesBetweenSQL, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list samples between: %w", queryErr)
	}
	defer rows.Close()

	samples := make([]SLOSampleRecord, 0)
	for rows.Next() {
		sample, scanErr := scanSLOSample(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		samples = append(samples, sample)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return samples, nil
}

// ListRecentSamples lists the most recent samples ordered by descending bucket.
func (s *Store) ListRecentSamples(ctx context.Context, limit int) ([]SLOSampleRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentSamplesSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent samples: %w", queryErr)
	}
	defer rows.Close()

	samples := make([]SLOSampleRecord, 0, limit)
	for rows.Next() {
		sample, scanErr := scanSLOSample(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		samples = append(samples, sample)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return samples, nil
}

// CountSamples counts stored samples.
func (s *Store) CountSamples(ctx context.Context) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, countSamplesSQL).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count samples: %w", scanErr)
	}
	return count, nil
}

// DeleteSamplesBefore trims sample history for retention and reports
// how many rows were removed.
func (s *Store) DeleteSamplesBefore(ctx context.Context, olderThan time.Time) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	tag, execErr := pool.Exec(ctx, deleteSamplesBeforeSQL, olderThan)
	if execErr != nil {
		return 0, fmt.Errorf("delete samples before: %w", execErr)
	}
	return tag.RowsAffected(), nil
}

// ListRecentBreaches lists the most recent breach events.
func (s *Store) ListRecentBreaches(ctx context.Context, limit int) ([]BreachRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentBreachesSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent breaches: %w", queryErr)
	}
	defer rows.Close()

	breaches := make([]BreachRecord, 0, limit)
	for rows.Next() {
		var (
			rec          BreachRecord
			uptimeStr    string
			errorRateStr string
			latencyStr   string
		)
		if err := rows.Scan(
			&rec.BreachID,
			&rec.TS,
			&rec.Reasons,
			&uptimeStr,
			&errorRateStr,
			&latencyStr,
			&rec.CreatedAt,
		); err != nil {
			return nil, err
		}

		var convErr error
		rec.AvgUptimePct, convErr = decimal.NewFromString(uptimeStr)
		if convErr != nil {
			return nil, fmt.Errorf("parse avg uptime: %w", convErr)
		}
		rec.AvgErrorRatePct, convErr = decimal.NewFromString(errorRateStr)
		if convErr != nil {
			return nil, fmt.Errorf("parse avg error rate: %w", convErr)
		}
		rec.MaxLatencyP95MS, convErr = decimal.NewFromString(latencyStr)
		if convErr != nil {
			return nil, fmt.Errorf("parse max latency: %w", convErr)
		}

		breaches = append(breaches, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return breaches, nil
}

// ListRecentAlerts lists the most recent notifications.
func (s *Store) ListRecentAlerts(ctx context.Context, limit int) ([]AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentAlertsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent alerts: %w", queryErr)
	}
	defer rows.Close()

	alerts := make([]AlertRecord, 0, limit)
	for rows.Next() {
		var rec AlertRecord
		if err := rows.Scan(
			&rec.ID,
			&rec.TS,
			&rec.Severity,
			&rec.Component,
			&rec.Summary,
			&rec.Detail,
			&rec.CreatedAt,
		); err != nil {
			return nil, err
		}
		alerts = append(alerts, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return alerts, nil
}

// DeleteAlertsBefore deletes historical alerts and reports how many
// rows were removed.
func (s *Store) DeleteAlertsBefore(ctx context.Context, olderThan time.Time) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	tag, execErr := pool.Exec(ctx, deleteAlertsBeforeSQL, olderThan)
	if execErr != nil {
		return 0, fmt.Errorf("delete alerts before: %w", execErr)
	}
	return tag.RowsAffected(), nil
}

func scanSLOSample(rows pgx.Rows) (SLOSampleRecord, error) {
	var (
		bucket       time.Time
		uptimeStr    string
		errorRateStr string
		latencyStr   string
		avgUptime    string
		avgErrorRate string
		maxLatency   string
		createdAt    time.Time
	)

	if err := rows.Scan(
		&bucket,
		&uptimeStr,
		&errorRateStr,
		&latencyStr,
		&avgUptime,
		&avgErrorRate,
		&maxLatency,
		&createdAt,
	); err != nil {
		return SLOSampleRecord{}, err
	}

	rec := SLOSampleRecord{Bucket: bucket, CreatedAt: createdAt}

	var err error
	if rec.UptimePct, err = decimal.NewFromString(uptimeStr); err != nil {
		return SLOSampleRecord{}, fmt.Errorf("parse uptime: %w", err)
	}
	if rec.ErrorRatePct, err = decimal.NewFromString(errorRateStr); err != nil {
		return SLOSampleRecord{}, fmt.Errorf("parse error rate: %w", err)
	}
	if rec.LatencyP95MS, err = decimal.NewFromString(latencyStr); err != nil {
		return SLOSampleRecord{}, fmt.Errorf("parse latency p95: %w", err)
	}
	if rec.AvgUptimePct, err = decimal.NewFromString(avgUptime); err != nil {
		return SLOSampleRecord{}, fmt.Errorf("parse avg uptime: %w", err)
	}
	if rec.AvgErrorRatePct, err = decimal.NewFromString(avgErrorRate); err != nil {
		return SLOSampleRecord{}, fmt.Errorf("parse avg error rate: %w", err)
	}
	if rec.MaxLatencyP95MS, err = decimal.NewFromString(maxLatency); err != nil {
		return SLOSampleRecord{}, fmt.Errorf("parse max latency: %w", err)
	}

	return rec, nil
}
