// Package wallet implements WalletManager (spec.md §4.4): pooled
// liquidity across HOT, COLD, POOL, and MULTISIG wallets with atomic
// balance transitions, a short-TTL read cache, optimal-withdrawal
// selection, and idle rotation/archival.
package wallet

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/rawblock/mixcoordinator/internal/config"
	"github.com/rawblock/mixcoordinator/internal/errs"
	"github.com/rawblock/mixcoordinator/pkg/models"
)

// BalanceChangedEvent is emitted by UpdateBalance/AtomicSubtract/
// BatchUpdateBalances (spec.md §4.4: "emits BalanceChanged(old,new)").
type BalanceChangedEvent struct {
	WalletID   string
	OldBalance float64
	NewBalance float64
	At         time.Time
}

// Manager is WalletManager. Mutations are serialised per wallet via a
// per-id mutex set (spec.md §5: "Within a Wallet, balance mutations are
// serialised"); the repository's conditional UPDATE remains the final
// arbiter of correctness under concurrent callers on separate processes.
type Manager struct {
	repo   Repository
	cache  Cache
	cfg    config.Wallet
	log    zerolog.Logger

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	eventsMu  sync.RWMutex
	listeners []func(BalanceChangedEvent)
}

// NewManager builds a Manager over repo, using cache for the short-TTL
// balance read and cfg for rotation/archival/cache-TTL tuning.
func NewManager(repo Repository, cache Cache, cfg config.Wallet) *Manager {
	if cache == nil {
		cache = NewMemoryCache()
	}
	return &Manager{
		repo:  repo,
		cache: cache,
		cfg:   cfg,
		log:   log.With().Str("component", "wallet.Manager").Logger(),
		locks: make(map[string]*sync.Mutex),
	}
}

// OnBalanceChanged registers a listener for BalanceChangedEvent.
func (m *Manager) OnBalanceChanged(fn func(BalanceChangedEvent)) {
	m.eventsMu.Lock()
	defer m.eventsMu.Unlock()
	m.listeners = append(m.listeners, fn)
}

func (m *Manager) emit(ev BalanceChangedEvent) {
	m.eventsMu.RLock()
	listeners := append([]func(BalanceChangedEvent){}, m.listeners...)
	m.eventsMu.RUnlock()
	for _, fn := range listeners {
		go fn(ev)
	}
}

func (m *Manager) lockFor(id string) *sync.Mutex {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	l, ok := m.locks[id]
	if !ok {
		l = &sync.Mutex{}
		m.locks[id] = l
	}
	return l
}

// Create registers a new wallet. Address uniqueness is enforced with an
// existence probe (spec.md §4.4: "not a full read").
func (m *Manager) Create(ctx context.Context, w *models.Wallet) error {
	const op = "WalletManager.Create"
	exists, err := m.repo.ExistsByAddress(ctx, w.Address)
	if err != nil {
		return errs.Wrap(op, errs.Transient, "existence probe failed", err)
	}
	if exists {
		return errs.New(op, errs.InputValidation, "address already in use")
	}
	if w.Status == "" {
		w.Status = models.WalletActive
	}
	if w.CreatedAt.IsZero() {
		w.CreatedAt = time.Now().UTC()
	}
	w.LastUsedAt = w.CreatedAt
	if err := m.repo.CreateWallet(ctx, w); err != nil {
		return errs.Wrap(op, errs.Transient, "create wallet failed", err)
	}
	return nil
}

// GetBalance reads a wallet's balance through the short-TTL cache.
func (m *Manager) GetBalance(ctx context.Context, id string) (float64, error) {
	const op = "WalletManager.GetBalance"
	if v, ok := m.cache.Get(ctx, id); ok {
		return v, nil
	}
	w, err := m.repo.GetWallet(ctx, id)
	if err != nil {
		return 0, errs.Wrap(op, errs.Transient, "read failed", err)
	}
	if w == nil {
		return 0, errs.New(op, errs.InputValidation, "wallet not found")
	}
	m.cache.Set(ctx, id, w.Balance, m.cfg.BalanceCacheTTL)
	return w.Balance, nil
}

// UpdateBalance sets a wallet's balance directly and emits
// BalanceChanged(old,new).
func (m *Manager) UpdateBalance(ctx context.Context, id string, newBalance float64) error {
	const op = "WalletManager.UpdateBalance"
	if newBalance < 0 {
		return errs.New(op, errs.InputValidation, "balance cannot go negative")
	}

	lock := m.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	old, err := m.GetBalance(ctx, id)
	if err != nil {
		return err
	}
	if err := m.repo.UpdateBalance(ctx, id, newBalance); err != nil {
		return errs.Wrap(op, errs.Transient, "update failed", err)
	}
	m.cache.Set(ctx, id, newBalance, m.cfg.BalanceCacheTTL)
	m.emit(BalanceChangedEvent{WalletID: id, OldBalance: old, NewBalance: newBalance, At: time.Now().UTC()})
	return nil
}

// AtomicSubtract debits amount from wallet id iff balance >= amount,
// isActive, and not isLocked — a single conditional update, not a
// read-then-write (spec.md §4.4, §8 scenario 5).
func (m *Manager) AtomicSubtract(ctx context.Context, id string, amount float64) (SubtractOutcome, error) {
	const op = "WalletManager.AtomicSubtract"
	if amount <= 0 {
		return SubtractOutcome{}, errs.New(op, errs.InputValidation, "amount must be positive")
	}

	lock := m.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	before, _ := m.GetBalance(ctx, id)

	outcome, err := m.repo.AtomicSubtract(ctx, id, amount)
	if err != nil {
		return SubtractOutcome{}, errs.Wrap(op, errs.Transient, "conditional update failed", err)
	}
	if !outcome.OK {
		m.log.Info().Str("walletId", id).Str("reason", outcome.Reason).Msg("atomic subtract rejected")
		kind := errs.InsufficientFunds
		if outcome.Reason == "InactiveOrLocked" {
			kind = errs.PolicyRejection
		}
		return outcome, errs.New(op, kind, fmt.Sprintf("subtract rejected: %s", outcome.Reason))
	}

	m.cache.Invalidate(ctx, id)
	m.cache.Set(ctx, id, outcome.NewBalance, m.cfg.BalanceCacheTTL)
	m.emit(BalanceChangedEvent{WalletID: id, OldBalance: before, NewBalance: outcome.NewBalance, At: time.Now().UTC()})
	return outcome, nil
}

// BatchUpdateBalances applies every update atomically, invalidating cache
// entries for affected ids before committing (spec.md §4.4).
func (m *Manager) BatchUpdateBalances(ctx context.Context, updates map[string]float64) error {
	const op = "WalletManager.BatchUpdateBalances"
	if len(updates) == 0 {
		return nil
	}
	for id := range updates {
		m.cache.Invalidate(ctx, id)
	}
	if err := m.repo.BatchUpdateBalances(ctx, updates); err != nil {
		return errs.Wrap(op, errs.Transient, "batch update failed", err)
	}
	for id, newBalance := range updates {
		m.cache.Set(ctx, id, newBalance, m.cfg.BalanceCacheTTL)
		m.emit(BalanceChangedEvent{WalletID: id, NewBalance: newBalance, At: time.Now().UTC()})
	}
	return nil
}

// FindOptimalForWithdrawal selects the best active HOT/POOL wallet with
// sufficient balance: ordered by balance DESC, then lastUsedAt ASC
// (spec.md §4.4). Returns nil, nil if none qualifies.
func (m *Manager) FindOptimalForWithdrawal(ctx context.Context, currency config.Currency, amount float64) (*models.Wallet, error) {
	const op = "WalletManager.FindOptimalForWithdrawal"
	w, err := m.repo.FindOptimalForWithdrawal(ctx, currency, amount)
	if err != nil {
		return nil, errs.Wrap(op, errs.Transient, "selection query failed", err)
	}
	return w, nil
}

// FindForRotation returns active HOT/POOL wallets idle longer than the
// configured rotation window (spec.md §4.4: "rotated if idle > 7d").
func (m *Manager) FindForRotation(ctx context.Context) ([]*models.Wallet, error) {
	const op = "WalletManager.FindForRotation"
	cutoff := time.Now().UTC().Add(-m.cfg.RotationIdle)
	wallets, err := m.repo.FindForRotation(ctx, cutoff)
	if err != nil {
		return nil, errs.Wrap(op, errs.Transient, "rotation query failed", err)
	}
	return wallets, nil
}

// ArchiveInactive batches zero-balance, long-idle wallets into ARCHIVED
// status (spec.md §4.4: "archived if idle > 90d ∧ balance=0"; default
// batch 1000, 100ms pause between batches).
func (m *Manager) ArchiveInactive(ctx context.Context) (int, error) {
	const op = "WalletManager.ArchiveInactive"
	cutoff := time.Now().UTC().Add(-m.cfg.ArchivalIdle)
	total := 0
	for {
		archived, err := m.repo.ArchiveInactive(ctx, cutoff, m.cfg.ArchiveBatchSize)
		if err != nil {
			return total, errs.Wrap(op, errs.Transient, "archive batch failed", err)
		}
		for _, id := range archived {
			m.cache.Invalidate(ctx, id)
		}
		total += len(archived)
		if len(archived) < m.cfg.ArchiveBatchSize {
			break
		}
		select {
		case <-ctx.Done():
			return total, ctx.Err()
		case <-time.After(m.cfg.ArchiveBatchPause):
		}
	}
	return total, nil
}
