package wallet

import (
	"context"
	"encoding/hex"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/rawblock/mixcoordinator/internal/chain"
	"github.com/rawblock/mixcoordinator/internal/config"
	"github.com/rawblock/mixcoordinator/internal/crypto"
	"github.com/rawblock/mixcoordinator/internal/errs"
	"github.com/rawblock/mixcoordinator/pkg/models"
)

// DepositRepository persists per-request deposit addresses — distinct
// from Repository, which covers the pooled custody wallets.
type DepositRepository interface {
	SaveDepositAddress(ctx context.Context, addr *models.DepositAddress) error
}

// DepositAllocator implements mixengine.AddressAllocator: it generates a
// fresh keypair, derives the currency-native address, seals the private
// key under the configured encryption key, and persists the result
// (spec.md §4.1 Create: "Allocates a fresh DepositAddress via
// WalletManager").
type DepositAllocator struct {
	repo          DepositRepository
	encryptionKey []byte
	index         uint32
}

// NewDepositAllocator builds a DepositAllocator. cfg.DepositKeyEncryptionKeyHex
// must decode to a 32-byte AES-256 key, unless cfg.DepositKeyRecoveryMnemonic
// is set instead — in which case the key is derived from it via
// SeedFromMnemonic, the recovery path for operators who backed up a
// mnemonic instead of a raw hex secret.
func NewDepositAllocator(repo DepositRepository, cfg config.Wallet) (*DepositAllocator, error) {
	const op = "NewDepositAllocator"

	var key []byte
	var err error
	if cfg.DepositKeyRecoveryMnemonic != "" {
		key, err = SeedFromMnemonic(cfg.DepositKeyRecoveryMnemonic, cfg.DepositKeyRecoveryPassphrase)
		if err != nil {
			return nil, errs.Wrap(op, errs.Fatal, "failed to derive key from recovery mnemonic", err)
		}
	} else {
		key, err = hex.DecodeString(cfg.DepositKeyEncryptionKeyHex)
		if err != nil {
			return nil, errs.Wrap(op, errs.Fatal, "malformed deposit key encryption key", err)
		}
		if len(key) != 32 {
			return nil, errs.New(op, errs.Fatal, "deposit key encryption key must be 32 bytes")
		}
	}
	return &DepositAllocator{repo: repo, encryptionKey: key}, nil
}

// Allocate generates and persists a fresh deposit address for currency.
func (a *DepositAllocator) Allocate(ctx context.Context, currency config.Currency) (*models.DepositAddress, error) {
	const op = "DepositAllocator.Allocate"

	kp, err := crypto.GenerateKeypair()
	if err != nil {
		return nil, errs.Wrap(op, errs.Fatal, "keypair generation failed", err)
	}
	address, err := chain.Encode(currency, kp.Public)
	if err != nil {
		return nil, errs.Wrap(op, errs.Fatal, "address derivation failed", err)
	}
	ciphertext, iv, err := crypto.EncryptPrivateKey(kp.PrivBytes(), a.encryptionKey)
	if err != nil {
		return nil, errs.Wrap(op, errs.Fatal, "private key encryption failed", err)
	}

	idx := atomic.AddUint32(&a.index, 1)
	addr := &models.DepositAddress{
		ID:                   uuid.NewString(),
		Currency:             currency,
		Address:              address,
		PrivateKeyCiphertext: ciphertext,
		IV:                   iv,
		AddressIndex:         idx,
		CreatedAt:            time.Now().UTC(),
	}

	if err := a.repo.SaveDepositAddress(ctx, addr); err != nil {
		return nil, errs.Wrap(op, errs.Transient, "persist deposit address failed", err)
	}
	return addr, nil
}
