package db

import (
	"context"

	"github.com/rawblock/mixcoordinator/pkg/models"
)

// SaveDepositAddress implements wallet.DepositRepository.
func (s *PostgresStore) SaveDepositAddress(ctx context.Context, addr *models.DepositAddress) error {
	const sql = `
		INSERT INTO deposit_addresses (
			id, mix_request_id, currency, address, private_key_ciphertext, iv,
			derivation_path, address_index, used, first_used_at, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (id) DO UPDATE SET
			mix_request_id = EXCLUDED.mix_request_id,
			used = EXCLUDED.used,
			first_used_at = EXCLUDED.first_used_at
	`
	var mixRequestID interface{}
	if addr.MixRequestID != "" {
		mixRequestID = addr.MixRequestID
	}
	_, err := s.pool.Exec(ctx, sql, addr.ID, mixRequestID, addr.Currency, addr.Address,
		addr.PrivateKeyCiphertext, addr.IV, addr.DerivationPath, addr.AddressIndex,
		addr.Used, addr.FirstUsedAt, addr.CreatedAt)
	return err
}

// ResetDepositAddress implements mixengine.DepositResetter: it clears
// used/firstUsedAt on the deposit address belonging to mixRequestID so
// the address can be reissued after its request expires unfunded
// (spec.md §4.1 Tick deposit timeout sweep).
func (s *PostgresStore) ResetDepositAddress(ctx context.Context, mixRequestID string) error {
	const sql = `UPDATE deposit_addresses SET used = FALSE, first_used_at = NULL WHERE mix_request_id = $1`
	_, err := s.pool.Exec(ctx, sql, mixRequestID)
	return err
}
