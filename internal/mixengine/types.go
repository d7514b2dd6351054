// Package mixengine implements MixRequestEngine (spec.md §4.1): the
// top-level FSM that takes a request from PENDING through DEPOSITED,
// POOLING, MIXING, COMPLETING to COMPLETED (or one of CANCELLED, FAILED,
// BLOCKED), dispatching to CoinJoinCoordinator or RingMixer depending on
// whether the deposit matches a standard denomination and enough
// compatible requests are waiting.
package mixengine

import (
	"context"
	"time"

	"github.com/rawblock/mixcoordinator/internal/config"
	"github.com/rawblock/mixcoordinator/pkg/models"
)

// Repository is the durable persistence boundary for MixRequest state
// (spec.md §6). Engine code never mutates a request's Status field
// without going through Save, so repo is the single write path.
type Repository interface {
	Save(ctx context.Context, r *models.MixRequest) error
	FindByID(ctx context.Context, id string) (*models.MixRequest, error)
	FindByDepositTxid(ctx context.Context, currency config.Currency, txid string) (*models.MixRequest, error)
	ListDeposited(ctx context.Context, limit int) ([]*models.MixRequest, error)
	ListMixing(ctx context.Context, limit int) ([]*models.MixRequest, error)
	ListCompleting(ctx context.Context, limit int) ([]*models.MixRequest, error)
	ListExpiredPending(ctx context.Context, olderThan time.Time, limit int) ([]*models.MixRequest, error)
	CountPendingCompatible(ctx context.Context, currency config.Currency, denomination float64, since time.Time) (int, error)
}

// AddressAllocator issues a fresh, uniquely-derived deposit address for
// a mix request (spec.md §4.1 Create: "a fresh deposit address is
// allocated"). Implemented by wallet.DepositAllocator for every currency
// chain.Encode supports.
type AddressAllocator interface {
	Allocate(ctx context.Context, currency config.Currency) (*models.DepositAddress, error)
}

// OutputTxnRepository persists the scheduled payout legs built once a
// request reaches COMPLETING (spec.md §4.1, §3 OutputTransaction).
type OutputTxnRepository interface {
	SaveOutputTransaction(ctx context.Context, t *models.OutputTransaction) error
	ListOutputTransactions(ctx context.Context, mixRequestID string) ([]*models.OutputTransaction, error)
}

// DepositResetter reopens a request's deposit address for reuse after
// its request expires unfunded (spec.md §4.1 Tick: deposit timeout).
type DepositResetter interface {
	ResetDepositAddress(ctx context.Context, mixRequestID string) error
}
