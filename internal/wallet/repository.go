package wallet

import (
	"context"
	"time"

	"github.com/rawblock/mixcoordinator/internal/config"
	"github.com/rawblock/mixcoordinator/pkg/models"
)

// SubtractOutcome is the structured result of a conditional debit
// (spec.md §4.4 AtomicSubtract).
type SubtractOutcome struct {
	OK         bool
	NewBalance float64
	Reason     string // "", "NotFound", "InsufficientBalance", "InactiveOrLocked"
}

// Repository is the durable persistence boundary WalletManager consumes.
// It is implemented by internal/db.PostgresStore; the single conditional
// UPDATE described in spec.md §6 is the only correctness-bearing
// operation — everything else is ordinary CRUD.
type Repository interface {
	ExistsByAddress(ctx context.Context, address string) (bool, error)
	CreateWallet(ctx context.Context, w *models.Wallet) error
	GetWallet(ctx context.Context, id string) (*models.Wallet, error)

	// AtomicSubtract performs the single conditional update:
	//   UPDATE wallets SET balance = balance - :amt, last_balance_update = now(),
	//          last_used_at = now()
	//   WHERE id = :id AND balance >= :amt AND is_active AND NOT is_locked
	// returning the row count and the resulting balance.
	AtomicSubtract(ctx context.Context, id string, amount float64) (SubtractOutcome, error)

	UpdateBalance(ctx context.Context, id string, newBalance float64) error

	// BatchUpdateBalances applies every update in updates as one
	// transaction using a CASE id WHEN ... END form.
	BatchUpdateBalances(ctx context.Context, updates map[string]float64) error

	FindOptimalForWithdrawal(ctx context.Context, currency config.Currency, amount float64) (*models.Wallet, error)
	FindForRotation(ctx context.Context, idleSince time.Time) ([]*models.Wallet, error)
	ArchiveInactive(ctx context.Context, cutoff time.Time, batchSize int) ([]string, error)
}

// Cache is the short-TTL read-through cache in front of GetBalance
// (spec.md §4.4: "≤30 s"). Implemented against go-redis in production;
// an in-process map (NewMemoryCache) suffices for tests and single-node
// deploys.
type Cache interface {
	Get(ctx context.Context, key string) (float64, bool)
	Set(ctx context.Context, key string, value float64, ttl time.Duration)
	Invalidate(ctx context.Context, key string)
}
