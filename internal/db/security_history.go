package db

import (
	"context"
	"time"
)

// CountRequestsSince implements security.History: used for the daily
// transaction-count cap (spec.md §4.6, §6 limits table). It counts the
// user's requests across all currencies; the validator compares that
// count with the request currency's DailyCount.
func (s *PostgresStore) CountRequestsSince(ctx context.Context, userID string, since time.Time) (int, error) {
	const sql = `SELECT COUNT(*) FROM user_request_history WHERE user_id = $1 AND created_at >= $2`
	var n int
	err := s.pool.QueryRow(ctx, sql, userID, since).Scan(&n)
	return n, err
}

// RecentTimestamps implements security.History: feeds the velocity check.
func (s *PostgresStore) RecentTimestamps(ctx context.Context, userID string, window time.Duration) ([]time.Time, error) {
	const sql = `SELECT created_at FROM user_request_history WHERE user_id = $1 AND created_at >= $2 ORDER BY created_at`
	rows, err := s.pool.Query(ctx, sql, userID, time.Now().Add(-window))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []time.Time
	for rows.Next() {
		var t time.Time
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// RecentAmounts implements security.History: feeds the amount-pattern
// (repeated identical amounts) check.
func (s *PostgresStore) RecentAmounts(ctx context.Context, userID string, window time.Duration) ([]float64, error) {
	const sql = `SELECT amount FROM user_request_history WHERE user_id = $1 AND created_at >= $2 ORDER BY created_at`
	rows, err := s.pool.Query(ctx, sql, userID, time.Now().Add(-window))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []float64
	for rows.Next() {
		var a float64
		if err := rows.Scan(&a); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// RecentAddresses implements security.History: feeds the address-reuse
// check.
func (s *PostgresStore) RecentAddresses(ctx context.Context, userID string, window time.Duration) ([]string, error) {
	const sql = `SELECT address FROM user_request_history WHERE user_id = $1 AND created_at >= $2 ORDER BY created_at`
	rows, err := s.pool.Query(ctx, sql, userID, time.Now().Add(-window))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var a string
		if err := rows.Scan(&a); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// HistoricalRiskScore implements security.History: the user's running
// risk average, folded into the composite score (spec.md §4.6).
func (s *PostgresStore) HistoricalRiskScore(ctx context.Context, userID string) (int, error) {
	const sql = `SELECT COALESCE(AVG(risk_score), 0)::int FROM user_request_history WHERE user_id = $1`
	var score int
	err := s.pool.QueryRow(ctx, sql, userID).Scan(&score)
	return score, err
}

// RecordUserRequest appends one row to user_request_history, the table
// the security.History methods above read. It is not part of
// security.History, and neither cmd/engine nor internal/mixengine calls
// it, so nothing in this module writes rows to that table.
func (s *PostgresStore) RecordUserRequest(ctx context.Context, userID, requestID string, amount float64, address string, riskScore int) error {
	const sql = `
		INSERT INTO user_request_history (user_id, request_id, amount, address, risk_score)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id, request_id) DO NOTHING
	`
	_, err := s.pool.Exec(ctx, sql, userID, requestID, amount, address, riskScore)
	return err
}
