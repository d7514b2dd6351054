package db

import (
	"context"

	"github.com/rawblock/mixcoordinator/internal/security"
)

// LoadReputation seeds reg with every classified address on record —
// called once at cmd/engine startup before the Validator starts serving
// Create calls.
func (s *PostgresStore) LoadReputation(ctx context.Context, reg *security.Reputation) error {
	rows, err := s.pool.Query(ctx, `SELECT address, category, reason FROM address_reputation`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var address, category string
		var reason *string
		if err := rows.Scan(&address, &category, &reason); err != nil {
			return err
		}
		label := ""
		if reason != nil {
			label = *reason
		}
		reg.Add(address, security.ReputationCategory(category), label)
	}
	return rows.Err()
}

// SaveReputationEntry upserts one address classification. No route or
// other code in this module calls it.
func (s *PostgresStore) SaveReputationEntry(ctx context.Context, address, category, reason string) error {
	const sql = `
		INSERT INTO address_reputation (address, category, reason)
		VALUES ($1, $2, $3)
		ON CONFLICT (address) DO UPDATE SET category = EXCLUDED.category, reason = EXCLUDED.reason
	`
	_, err := s.pool.Exec(ctx, sql, address, category, reason)
	return err
}
