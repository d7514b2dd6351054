package db

import (
	"context"

	"github.com/rawblock/mixcoordinator/pkg/models"
)

// SaveOutputTransaction upserts one scheduled payout leg of a MixRequest
// (spec.md §3 OutputTransaction), consumed by the COMPLETING stage once
// it is built.
func (s *PostgresStore) SaveOutputTransaction(ctx context.Context, t *models.OutputTransaction) error {
	const sql = `
		INSERT INTO output_transactions (id, mix_request_id, output_index, address, amount, scheduled_at, status, txid, retry_count)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (mix_request_id, output_index) DO UPDATE SET
			status = EXCLUDED.status,
			txid = EXCLUDED.txid,
			retry_count = EXCLUDED.retry_count
	`
	_, err := s.pool.Exec(ctx, sql, t.ID, t.MixRequestID, t.OutputIndex, t.Address, t.Amount, t.ScheduledAt, t.Status, t.Txid, t.RetryCount)
	return err
}

// ListOutputTransactions returns every scheduled leg of one MixRequest,
// ordered by output index.
func (s *PostgresStore) ListOutputTransactions(ctx context.Context, mixRequestID string) ([]*models.OutputTransaction, error) {
	const sql = `
		SELECT id, mix_request_id, output_index, address, amount, scheduled_at, status, txid, retry_count
		FROM output_transactions WHERE mix_request_id = $1 ORDER BY output_index
	`
	rows, err := s.pool.Query(ctx, sql, mixRequestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.OutputTransaction
	for rows.Next() {
		t := &models.OutputTransaction{}
		var txid *string
		if err := rows.Scan(&t.ID, &t.MixRequestID, &t.OutputIndex, &t.Address, &t.Amount, &t.ScheduledAt, &t.Status, &txid, &t.RetryCount); err != nil {
			return nil, err
		}
		if txid != nil {
			t.Txid = *txid
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
