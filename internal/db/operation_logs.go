package db

import (
	"context"
	"time"
)

// LatencyPercentiles is the p50/p90/p99 window Monitoring's performance
// channel samples (spec.md §6: "Percentile queries over
// operation_logs.duration").
type LatencyPercentiles struct {
	P50 float64
	P90 float64
	P99 float64
	N   int
}

// RecordOperation appends one latency sample. Nothing in this module
// calls it.
func (s *PostgresStore) RecordOperation(ctx context.Context, operation string, durationMS float64, success bool) error {
	const sql = `INSERT INTO operation_logs (operation, duration_ms, success, occurred_at) VALUES ($1, $2, $3, now())`
	_, err := s.pool.Exec(ctx, sql, operation, durationMS, success)
	return err
}

// OperationLatencyPercentiles computes p50/p90/p99 over the half-open
// window [since, now) for one operation name, using Postgres's
// percentile_cont for exact interpolated percentiles rather than a
// client-side sort.
func (s *PostgresStore) OperationLatencyPercentiles(ctx context.Context, operation string, since time.Time) (LatencyPercentiles, error) {
	const sql = `
		SELECT
			COALESCE(percentile_cont(0.50) WITHIN GROUP (ORDER BY duration_ms), 0),
			COALESCE(percentile_cont(0.90) WITHIN GROUP (ORDER BY duration_ms), 0),
			COALESCE(percentile_cont(0.99) WITHIN GROUP (ORDER BY duration_ms), 0),
			COUNT(*)
		FROM operation_logs
		WHERE operation = $1 AND occurred_at >= $2 AND occurred_at < now()
	`
	var p LatencyPercentiles
	err := s.pool.QueryRow(ctx, sql, operation, since).Scan(&p.P50, &p.P90, &p.P99, &p.N)
	return p, err
}

// CurrencyStat is one currency's throughput/volume over a reporting
// window, the unit spec.md §6's business/currency-stat aggregations
// return.
type CurrencyStat struct {
	Currency       string
	RequestCount   int
	CompletedCount int
	FailedCount    int
	TotalVolume    float64
}

// CurrencyStats aggregates mix_requests by currency over [since, now),
// feeding Monitoring's business channel.
func (s *PostgresStore) CurrencyStats(ctx context.Context, since time.Time) ([]CurrencyStat, error) {
	const sql = `
		SELECT
			currency,
			COUNT(*),
			COUNT(*) FILTER (WHERE status = 'COMPLETED'),
			COUNT(*) FILTER (WHERE status = 'FAILED'),
			COALESCE(SUM(input_amount) FILTER (WHERE status = 'COMPLETED'), 0)
		FROM mix_requests
		WHERE created_at >= $1
		GROUP BY currency
		ORDER BY currency
	`
	rows, err := s.pool.Query(ctx, sql, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CurrencyStat
	for rows.Next() {
		var c CurrencyStat
		if err := rows.Scan(&c.Currency, &c.RequestCount, &c.CompletedCount, &c.FailedCount, &c.TotalVolume); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// BusinessSummary is the system-wide business snapshot Monitoring's
// business channel samples each BusinessInterval.
type BusinessSummary struct {
	ActiveRequests    int
	PendingReview     int
	CompletedLastHour int
	FailedLastHour    int
}

// BusinessSnapshot computes BusinessSummary as of now.
func (s *PostgresStore) BusinessSnapshot(ctx context.Context) (BusinessSummary, error) {
	var b BusinessSummary
	const sql = `
		SELECT
			COUNT(*) FILTER (WHERE status NOT IN ('COMPLETED','CANCELLED','FAILED','BLOCKED')),
			COUNT(*) FILTER (WHERE pending_review),
			COUNT(*) FILTER (WHERE status = 'COMPLETED' AND completed_at >= now() - interval '1 hour'),
			COUNT(*) FILTER (WHERE status = 'FAILED' AND updated_at >= now() - interval '1 hour')
		FROM mix_requests
	`
	err := s.pool.QueryRow(ctx, sql).Scan(&b.ActiveRequests, &b.PendingReview, &b.CompletedLastHour, &b.FailedLastHour)
	return b, err
}
