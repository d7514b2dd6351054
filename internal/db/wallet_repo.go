package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/rawblock/mixcoordinator/internal/config"
	"github.com/rawblock/mixcoordinator/internal/wallet"
	"github.com/rawblock/mixcoordinator/pkg/models"
)

// ExistsByAddress implements wallet.Repository.
func (s *PostgresStore) ExistsByAddress(ctx context.Context, address string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM wallets WHERE address = $1)`, address).Scan(&exists)
	return exists, err
}

// CreateWallet implements wallet.Repository.
func (s *PostgresStore) CreateWallet(ctx context.Context, w *models.Wallet) error {
	const sql = `
		INSERT INTO wallets (id, currency, type, address, balance, is_active, is_locked, status, last_used_at, usage_count, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err := s.pool.Exec(ctx, sql, w.ID, w.Currency, w.Type, w.Address, w.Balance, w.IsActive, w.IsLocked, w.Status, w.LastUsedAt, w.UsageCount, w.CreatedAt)
	return err
}

// GetWallet implements wallet.Repository.
func (s *PostgresStore) GetWallet(ctx context.Context, id string) (*models.Wallet, error) {
	const sql = `
		SELECT id, currency, type, address, balance, is_active, is_locked, status, last_used_at, usage_count, created_at
		FROM wallets WHERE id = $1
	`
	w := &models.Wallet{}
	err := s.pool.QueryRow(ctx, sql, id).Scan(&w.ID, &w.Currency, &w.Type, &w.Address, &w.Balance, &w.IsActive, &w.IsLocked, &w.Status, &w.LastUsedAt, &w.UsageCount, &w.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("wallet %s: %w", id, errNotFound)
	}
	if err != nil {
		return nil, err
	}
	return w, nil
}

// AtomicSubtract is the single conditional-update correctness boundary of
// wallet.Repository (spec.md §6): the WHERE clause folds the balance,
// active, and locked checks into one round trip so no other writer can
// observe a wallet between check and debit.
func (s *PostgresStore) AtomicSubtract(ctx context.Context, id string, amount float64) (wallet.SubtractOutcome, error) {
	const sql = `
		UPDATE wallets
		SET balance = balance - $2, last_balance_update = now(), last_used_at = now()
		WHERE id = $1 AND balance >= $2 AND is_active AND NOT is_locked
		RETURNING balance
	`
	var newBalance float64
	err := s.pool.QueryRow(ctx, sql, id, amount).Scan(&newBalance)
	if errors.Is(err, pgx.ErrNoRows) {
		return s.subtractFailureReason(ctx, id, amount)
	}
	if err != nil {
		return wallet.SubtractOutcome{}, err
	}
	return wallet.SubtractOutcome{OK: true, NewBalance: newBalance}, nil
}

// subtractFailureReason distinguishes why the conditional UPDATE matched
// zero rows, for callers that surface a specific reason (spec.md §6).
func (s *PostgresStore) subtractFailureReason(ctx context.Context, id string, amount float64) (wallet.SubtractOutcome, error) {
	var balance float64
	var isActive, isLocked bool
	err := s.pool.QueryRow(ctx, `SELECT balance, is_active, is_locked FROM wallets WHERE id = $1`, id).Scan(&balance, &isActive, &isLocked)
	if errors.Is(err, pgx.ErrNoRows) {
		return wallet.SubtractOutcome{Reason: "NotFound"}, nil
	}
	if err != nil {
		return wallet.SubtractOutcome{}, err
	}
	if !isActive || isLocked {
		return wallet.SubtractOutcome{Reason: "InactiveOrLocked"}, nil
	}
	return wallet.SubtractOutcome{Reason: "InsufficientBalance", NewBalance: balance}, nil
}

// UpdateBalance implements wallet.Repository.
func (s *PostgresStore) UpdateBalance(ctx context.Context, id string, newBalance float64) error {
	const sql = `UPDATE wallets SET balance = $2, last_balance_update = now() WHERE id = $1`
	_, err := s.pool.Exec(ctx, sql, id, newBalance)
	return err
}

// BatchUpdateBalances applies every update as one transaction using a
// CASE id WHEN ... END form, matching spec.md §6's "batch update" shape.
func (s *PostgresStore) BatchUpdateBalances(ctx context.Context, updates map[string]float64) error {
	if len(updates) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	caseSQL := "UPDATE wallets SET balance = CASE id "
	ids := make([]interface{}, 0, len(updates))
	args := make([]interface{}, 0, len(updates)*2+1)
	argN := 1
	for id, bal := range updates {
		caseSQL += fmt.Sprintf("WHEN $%d THEN $%d::numeric ", argN, argN+1)
		args = append(args, id, bal)
		ids = append(ids, id)
		argN += 2
	}
	caseSQL += "END, last_balance_update = now() WHERE id IN ("
	inPlaceholders := ""
	idArgStart := argN
	for i := range ids {
		if i > 0 {
			inPlaceholders += ", "
		}
		inPlaceholders += fmt.Sprintf("$%d", idArgStart+i)
	}
	caseSQL += inPlaceholders + ")"
	args = append(args, ids...)

	if _, err := tx.Exec(ctx, caseSQL, args...); err != nil {
		return fmt.Errorf("batch update balances: %w", err)
	}
	return tx.Commit(ctx)
}

// FindOptimalForWithdrawal implements wallet.Repository: among active,
// unlocked, ACTIVE-status HOT/POOL wallets of currency whose balance
// covers amount, the one with the largest balance, least recently used
// first on equal balances (spec.md §4.4). Returns nil, nil if none
// qualifies.
func (s *PostgresStore) FindOptimalForWithdrawal(ctx context.Context, currency config.Currency, amount float64) (*models.Wallet, error) {
	const sql = `
		SELECT id, currency, type, address, balance, is_active, is_locked, status, last_used_at, usage_count, created_at
		FROM wallets
		WHERE currency = $1 AND balance >= $2 AND is_active AND NOT is_locked
			AND status = 'ACTIVE' AND type IN ('HOT', 'POOL')
		ORDER BY balance DESC, last_used_at ASC
		LIMIT 1
	`
	w := &models.Wallet{}
	err := s.pool.QueryRow(ctx, sql, currency, amount).Scan(&w.ID, &w.Currency, &w.Type, &w.Address, &w.Balance, &w.IsActive, &w.IsLocked, &w.Status, &w.LastUsedAt, &w.UsageCount, &w.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return w, nil
}

// FindForRotation implements wallet.Repository: active HOT/POOL wallets
// last used before idleSince.
func (s *PostgresStore) FindForRotation(ctx context.Context, idleSince time.Time) ([]*models.Wallet, error) {
	const sql = `
		SELECT id, currency, type, address, balance, is_active, is_locked, status, last_used_at, usage_count, created_at
		FROM wallets WHERE is_active AND type IN ('HOT', 'POOL') AND last_used_at < $1
	`
	rows, err := s.pool.Query(ctx, sql, idleSince)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Wallet
	for rows.Next() {
		w := &models.Wallet{}
		if err := rows.Scan(&w.ID, &w.Currency, &w.Type, &w.Address, &w.Balance, &w.IsActive, &w.IsLocked, &w.Status, &w.LastUsedAt, &w.UsageCount, &w.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// ArchiveInactive implements wallet.Repository, processing in batches
// (config.Wallet.ArchiveBatchSize) so a large rotation doesn't hold one
// long transaction (spec.md §4.4).
func (s *PostgresStore) ArchiveInactive(ctx context.Context, cutoff time.Time, batchSize int) ([]string, error) {
	const sql = `
		UPDATE wallets SET status = 'ARCHIVED', is_active = false
		WHERE id IN (
			SELECT id FROM wallets WHERE is_active AND balance = 0 AND last_used_at < $1 LIMIT $2
		)
		RETURNING id
	`
	rows, err := s.pool.Query(ctx, sql, cutoff, batchSize)
	if err != nil {
		return nil, err
	}
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
