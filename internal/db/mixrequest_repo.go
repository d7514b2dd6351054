package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/rawblock/mixcoordinator/internal/config"
	"github.com/rawblock/mixcoordinator/pkg/models"
)

// Save implements mixengine.Repository: an upsert keyed on id, since
// Engine calls Save repeatedly as a request moves through the FSM.
func (s *PostgresStore) Save(ctx context.Context, r *models.MixRequest) error {
	retryCount, err := json.Marshal(r.RetryCount)
	if err != nil {
		return fmt.Errorf("marshal retry count: %w", err)
	}

	const sql = `
		INSERT INTO mix_requests (
			id, user_id, currency, input_amount, status, algorithm, session_id,
			deposit_txid, deposit_block_height, deposit_confirmed_at, pending_review,
			completed_at, error_message, retry_count, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			algorithm = EXCLUDED.algorithm,
			session_id = EXCLUDED.session_id,
			deposit_txid = EXCLUDED.deposit_txid,
			deposit_block_height = EXCLUDED.deposit_block_height,
			deposit_confirmed_at = EXCLUDED.deposit_confirmed_at,
			pending_review = EXCLUDED.pending_review,
			completed_at = EXCLUDED.completed_at,
			error_message = EXCLUDED.error_message,
			retry_count = EXCLUDED.retry_count,
			updated_at = EXCLUDED.updated_at
	`
	now := time.Now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, sql, r.ID, r.UserID, r.Currency, r.InputAmount, r.Status, r.Algorithm, r.SessionID,
		r.DepositTxid, r.DepositBlockHeight, r.DepositConfirmedAt, r.PendingReview,
		r.CompletedAt, r.ErrorMessage, retryCount, r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert mix_request: %w", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM mix_outputs WHERE mix_request_id = $1`, r.ID); err != nil {
		return fmt.Errorf("clear mix_outputs: %w", err)
	}
	for i, o := range r.Outputs {
		if _, err := tx.Exec(ctx, `INSERT INTO mix_outputs (mix_request_id, ordinal, address, percentage) VALUES ($1,$2,$3,$4)`,
			r.ID, i, o.Address, o.Percentage); err != nil {
			return fmt.Errorf("insert mix_output: %w", err)
		}
	}
	return tx.Commit(ctx)
}

// FindByID implements mixengine.Repository.
func (s *PostgresStore) FindByID(ctx context.Context, id string) (*models.MixRequest, error) {
	r, err := s.scanMixRequest(ctx, `WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}
	return r, nil
}

// FindByDepositTxid implements mixengine.Repository.
func (s *PostgresStore) FindByDepositTxid(ctx context.Context, currency config.Currency, txid string) (*models.MixRequest, error) {
	return s.scanMixRequest(ctx, `WHERE currency = $1 AND deposit_txid = $2`, currency, txid)
}

// ListDeposited implements mixengine.Repository: the candidate pool for
// one Tick, capped at limit (spec.md §4.1).
func (s *PostgresStore) ListDeposited(ctx context.Context, limit int) ([]*models.MixRequest, error) {
	rows, err := s.pool.Query(ctx, `SELECT id FROM mix_requests WHERE status = 'DEPOSITED' ORDER BY deposit_confirmed_at ASC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]*models.MixRequest, 0, len(ids))
	for _, id := range ids {
		r, err := s.FindByID(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// ListMixing implements mixengine.Repository: MIXING requests due for an
// algorithm-completion check, capped at limit.
func (s *PostgresStore) ListMixing(ctx context.Context, limit int) ([]*models.MixRequest, error) {
	return s.listByStatus(ctx, "MIXING", limit)
}

// ListCompleting implements mixengine.Repository: COMPLETING requests
// whose output transactions need a confirmation check, capped at limit.
func (s *PostgresStore) ListCompleting(ctx context.Context, limit int) ([]*models.MixRequest, error) {
	return s.listByStatus(ctx, "COMPLETING", limit)
}

// ListExpiredPending implements mixengine.Repository: PENDING requests
// created before olderThan, capped at limit (spec.md §4.1 Tick deposit
// timeout sweep).
func (s *PostgresStore) ListExpiredPending(ctx context.Context, olderThan time.Time, limit int) ([]*models.MixRequest, error) {
	rows, err := s.pool.Query(ctx, `SELECT id FROM mix_requests WHERE status = 'PENDING' AND created_at < $1 ORDER BY created_at ASC LIMIT $2`, olderThan, limit)
	if err != nil {
		return nil, err
	}
	ids, err := scanIDs(rows)
	if err != nil {
		return nil, err
	}
	return s.findAllByID(ctx, ids)
}

func (s *PostgresStore) listByStatus(ctx context.Context, status string, limit int) ([]*models.MixRequest, error) {
	rows, err := s.pool.Query(ctx, `SELECT id FROM mix_requests WHERE status = $1 ORDER BY updated_at ASC LIMIT $2`, status, limit)
	if err != nil {
		return nil, err
	}
	ids, err := scanIDs(rows)
	if err != nil {
		return nil, err
	}
	return s.findAllByID(ctx, ids)
}

func scanIDs(rows pgx.Rows) ([]string, error) {
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *PostgresStore) findAllByID(ctx context.Context, ids []string) ([]*models.MixRequest, error) {
	out := make([]*models.MixRequest, 0, len(ids))
	for _, id := range ids {
		r, err := s.FindByID(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// CountPendingCompatible implements mixengine.Repository: how many
// DEPOSITED requests of the same currency and denomination are already
// waiting, within the registration window (spec.md §4.1's algorithm
// selection rule).
func (s *PostgresStore) CountPendingCompatible(ctx context.Context, currency config.Currency, denomination float64, since time.Time) (int, error) {
	const sql = `
		SELECT COUNT(*) FROM mix_requests
		WHERE currency = $1 AND status = 'DEPOSITED' AND input_amount = $2 AND deposit_confirmed_at >= $3
	`
	var n int
	err := s.pool.QueryRow(ctx, sql, currency, denomination, since).Scan(&n)
	return n, err
}

func (s *PostgresStore) scanMixRequest(ctx context.Context, where string, args ...interface{}) (*models.MixRequest, error) {
	sql := fmt.Sprintf(`
		SELECT id, user_id, currency, input_amount, status, algorithm, session_id,
		       deposit_txid, deposit_block_height, deposit_confirmed_at, pending_review,
		       completed_at, error_message, retry_count, created_at, updated_at
		FROM mix_requests %s
	`, where)

	r := &models.MixRequest{}
	var userID, algorithm, sessionID, depositTxid, errorMessage *string
	var retryCountBytes []byte
	err := s.pool.QueryRow(ctx, sql, args...).Scan(
		&r.ID, &userID, &r.Currency, &r.InputAmount, &r.Status, &algorithm, &sessionID,
		&depositTxid, &r.DepositBlockHeight, &r.DepositConfirmedAt, &r.PendingReview,
		&r.CompletedAt, &errorMessage, &retryCountBytes, &r.CreatedAt, &r.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("mix request: %w", errNotFound)
	}
	if err != nil {
		return nil, err
	}
	if userID != nil {
		r.UserID = *userID
	}
	if algorithm != nil {
		r.Algorithm = models.Algorithm(*algorithm)
	}
	if sessionID != nil {
		r.SessionID = *sessionID
	}
	if depositTxid != nil {
		r.DepositTxid = *depositTxid
	}
	if errorMessage != nil {
		r.ErrorMessage = *errorMessage
	}
	if len(retryCountBytes) > 0 {
		if err := json.Unmarshal(retryCountBytes, &r.RetryCount); err != nil {
			return nil, fmt.Errorf("unmarshal retry_count: %w", err)
		}
	}

	outRows, err := s.pool.Query(ctx, `SELECT address, percentage FROM mix_outputs WHERE mix_request_id = $1 ORDER BY ordinal`, r.ID)
	if err != nil {
		return nil, err
	}
	defer outRows.Close()
	for outRows.Next() {
		var o models.MixOutput
		if err := outRows.Scan(&o.Address, &o.Percentage); err != nil {
			return nil, err
		}
		r.Outputs = append(r.Outputs, o)
	}
	return r, outRows.Err()
}
