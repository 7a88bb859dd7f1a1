package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	insertAlertSQL = `INSERT INTO deal_alerts (
        token_mint, name, category, price_sol, price_usd, alt_value, diff_pct, channels, source
    ) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
    RETURNING id, created_at;`

	listRecentAlertsSQL = `SELECT
        id, token_mint, name, category, price_sol, price_usd, alt_value, diff_pct, channels, source, created_at
    FROM deal_alerts
    ORDER BY created_at DESC
    LIMIT $1;`

	lastAlertForMintSQL = `SELECT created_at
    FROM deal_alerts
    WHERE token_mint = $1
    ORDER BY created_at DESC
    LIMIT 1;`

	deleteAlertsBeforeSQL = `DELETE FROM deal_alerts WHERE created_at < $1;`

	insertPriceSampleSQL = `INSERT INTO price_samples (sampled_at, usd)
    VALUES ($1, $2)
    ON CONFLICT (sampled_at) DO UPDATE SET usd = EXCLUDED.usd;`

	listPriceSamplesBetweenSQL = `SELECT sampled_at, usd
    FROM price_samples
    WHERE sampled_at >= $1 AND sampled_at < $2
    ORDER BY sampled_at;`

	countPriceSamplesSQL = `SELECT COUNT(*) FROM price_samples;`

	upsertSnapshotStatSQL = `INSERT INTO snapshot_stats (polled_at, total, high_tier)
    VALUES ($1, $2, $3)
    ON CONFLICT (polled_at) DO UPDATE
    SET total = EXCLUDED.total, high_tier = EXCLUDED.high_tier;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// DealAlertStore defines operations for alert auditing.
type DealAlertStore interface {
	InsertAlert(ctx context.Context, alert DealAlertRecord) (DealAlertRecord, error)
	ListRecentAlerts(ctx context.Context, limit int) ([]DealAlertRecord, error)
	LastAlertAt(ctx context.Context, tokenMint string) (time.Time, bool, error)
	DeleteAlertsBefore(ctx context.Context, olderThan time.Time) error
}

// PriceSampleStore defines operations for spot price history.
type PriceSampleStore interface {
	InsertPriceSample(ctx context.Context, sample PriceSample) error
	ListPriceSamplesBetween(ctx context.Context, from, to time.Time) ([]PriceSample, error)
	CountPriceSamples(ctx context.Context) (int64, error)
}

// SnapshotStatStore records per-poll listing statistics.
type SnapshotStatStore interface {
	UpsertSnapshotStat(ctx context.Context, stat SnapshotStat) error
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates access to deal alerts, price samples, and poll stats.
type Store struct {
	pool *pgxpool.Pool
}

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

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
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
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

// InsertAlert persists an alert emission.
func (s *Store) InsertAlert(ctx context.Context, alert DealAlertRecord) (DealAlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return DealAlertRecord{}, err
	}

	row := pool.QueryRow(ctx, insertAlertSQL,
		alert.TokenMint,
		alert.Name,
		alert.Category,
		decimalOrNil(alert.PriceSOL),
		decimalOrNil(alert.PriceUSD),
		decimalOrNil(alert.AltValue),
		decimalOrNil(alert.DiffPct),
		alert.Channels,
		alert.Source,
	)

	rec := alert
	if err := row.Scan(&rec.ID, &rec.CreatedAt); err != nil {
		return DealAlertRecord{}, fmt.Errorf("insert alert: %w", err)
	}
	return rec, nil
}

// ListRecentAlerts lists most recent alerts.
func (s *Store) ListRecentAlerts(ctx context.Context, limit int) ([]DealAlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentAlertsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent alerts: %w", queryErr)
	}
	defer rows.Close()

	alerts := make([]DealAlertRecord, 0, limit)
	for rows.Next() {
		rec, scanErr := scanAlert(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		alerts = append(alerts, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return alerts, nil
}

// LastAlertAt returns the most recent alert time for a mint, if any.
func (s *Store) LastAlertAt(ctx context.Context, tokenMint string) (time.Time, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return time.Time{}, false, err
	}

	var at time.Time
	scanErr := pool.QueryRow(ctx, lastAlertForMintSQL, tokenMint).Scan(&at)
	if scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, fmt.Errorf("last alert at: %w", scanErr)
	}
	return at, true, nil
}

// DeleteAlertsBefore deletes historical alerts.
func (s *Store) DeleteAlertsBefore(ctx context.Context, olderThan time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, deleteAlertsBeforeSQL, olderThan); execErr != nil {
		return fmt.Errorf("delete alerts before: %w", execErr)
	}
	return nil
}

// InsertPriceSample persists one spot observation.
func (s *Store) InsertPriceSample(ctx context.Context, sample PriceSample) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, insertPriceSampleSQL, sample.SampledAt, sample.USD.String()); execErr != nil {
		return fmt.Errorf("insert price sample: %w", execErr)
	}
	return nil
}

// ListPriceSamplesBetween lists samples within a time window.
func (s *Store) ListPriceSamplesBetween(ctx context.Context, from, to time.Time) ([]PriceSample, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listPriceSamplesBetweenSQL, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list price samples: %w", queryErr)
	}
	defer rows.Close()

	samples := make([]PriceSample, 0)
	for rows.Next() {
		var sample PriceSample
		var usdStr string
		if err := rows.Scan(&sample.SampledAt, &usdStr); err != nil {
			return nil, err
		}
		usd, convErr := decimal.NewFromString(usdStr)
		if convErr != nil {
			return nil, fmt.Errorf("parse price sample: %w", convErr)
		}
		sample.USD = usd
		samples = append(samples, sample)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return samples, nil
}

// CountPriceSamples counts stored samples.
func (s *Store) CountPriceSamples(ctx context.Context) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, countPriceSamplesSQL).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count price samples: %w", scanErr)
	}
	return count, nil
}

// UpsertSnapshotStat records per-poll listing statistics.
func (s *Store) UpsertSnapshotStat(ctx context.Context, stat SnapshotStat) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, upsertSnapshotStatSQL, stat.PolledAt, stat.Total, stat.HighTier); execErr != nil {
		return fmt.Errorf("upsert snapshot stat: %w", execErr)
	}
	return nil
}

func scanAlert(rows pgx.Rows) (DealAlertRecord, error) {
	var (
		rec         DealAlertRecord
		priceSolStr *string
		priceUSDStr *string
		altValueStr *string
		diffPctStr  *string
	)

	if err := rows.Scan(
		&rec.ID,
		&rec.TokenMint,
		&rec.Name,
		&rec.Category,
		&priceSolStr,
		&priceUSDStr,
		&altValueStr,
		&diffPctStr,
		&rec.Channels,
		&rec.Source,
		&rec.CreatedAt,
	); err != nil {
		return DealAlertRecord{}, err
	}

	var convErr error
	if rec.PriceSOL, convErr = parseNullableDecimal(priceSolStr); convErr != nil {
		return DealAlertRecord{}, fmt.Errorf("parse price_sol: %w", convErr)
	}
	if rec.PriceUSD, convErr = parseNullableDecimal(priceUSDStr); convErr != nil {
		return DealAlertRecord{}, fmt.Errorf("parse price_usd: %w", convErr)
	}
	if rec.AltValue, convErr = parseNullableDecimal(altValueStr); convErr != nil {
		return DealAlertRecord{}, fmt.Errorf("parse alt_value: %w", convErr)
	}
	if rec.DiffPct, convErr = parseNullableDecimal(diffPctStr); convErr != nil {
		return DealAlertRecord{}, fmt.Errorf("parse diff_pct: %w", convErr)
	}

	return rec, nil
}

func parseNullableDecimal(v *string) (*decimal.Decimal, error) {
	if v == nil {
		return nil, nil
	}
	parsed, err := decimal.NewFromString(*v)
	if err != nil {
		return nil, err
	}
	return &parsed, nil
}

func decimalOrNil(d *decimal.Decimal) interface{} {
	if d == nil {
		return nil
	}
	return d.String()
}

var (
	_ DealAlertStore    = (*Store)(nil)
	_ PriceSampleStore  = (*Store)(nil)
	_ SnapshotStatStore = (*Store)(nil)
	_ AdvisoryLocker    = (*Store)(nil)
)
