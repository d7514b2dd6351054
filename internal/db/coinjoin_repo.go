package db

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rawblock/mixcoordinator/pkg/models"
)

// SaveSession implements coinjoin.Repository. The participant map,
// blame list, and shuffle state are schema-free and change shape across
// phases, so the whole session is snapshotted as JSONB rather than
// normalized into participant rows (spec.md §6: "persisted-state
// layout" permits this for session-local, coordinator-owned state).
func (s *PostgresStore) SaveSession(ctx context.Context, session *models.CoinJoinSession) error {
	snapshot, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("marshal coinjoin session: %w", err)
	}
	const sql = `
		INSERT INTO coinjoin_sessions (id, coordinator_id, currency, denomination, phase, snapshot, expires_at, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (id) DO UPDATE SET
			phase = EXCLUDED.phase,
			snapshot = EXCLUDED.snapshot,
			expires_at = EXCLUDED.expires_at,
			updated_at = now()
	`
	_, err = s.pool.Exec(ctx, sql, session.ID, session.CoordinatorID, session.Currency, session.Denomination,
		session.Phase, snapshot, session.ExpiresAt, session.CreatedAt)
	return err
}

// GetSession reloads a previously persisted snapshot. cmd/engine does
// not call it; in-flight sessions are not recovered after a restart.
func (s *PostgresStore) GetSession(ctx context.Context, id string) (*models.CoinJoinSession, error) {
	var snapshot []byte
	err := s.pool.QueryRow(ctx, `SELECT snapshot FROM coinjoin_sessions WHERE id = $1`, id).Scan(&snapshot)
	if err != nil {
		return nil, err
	}
	session := &models.CoinJoinSession{}
	if err := json.Unmarshal(snapshot, session); err != nil {
		return nil, fmt.Errorf("unmarshal coinjoin session: %w", err)
	}
	return session, nil
}
