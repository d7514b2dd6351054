package wallet

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rawblock/mixcoordinator/internal/config"
	"github.com/rawblock/mixcoordinator/pkg/models"
)

type fakeRepo struct {
	mu      sync.Mutex
	wallets map[string]*models.Wallet
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{wallets: make(map[string]*models.Wallet)}
}

func (f *fakeRepo) ExistsByAddress(_ context.Context, address string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, w := range f.wallets {
		if w.Address == address {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeRepo) CreateWallet(_ context.Context, w *models.Wallet) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *w
	f.wallets[w.ID] = &cp
	return nil
}

func (f *fakeRepo) GetWallet(_ context.Context, id string) (*models.Wallet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, ok := f.wallets[id]
	if !ok {
		return nil, nil
	}
	cp := *w
	return &cp, nil
}

func (f *fakeRepo) AtomicSubtract(_ context.Context, id string, amount float64) (SubtractOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, ok := f.wallets[id]
	if !ok {
		return SubtractOutcome{Reason: "NotFound"}, nil
	}
	if !w.IsActive || w.IsLocked {
		return SubtractOutcome{Reason: "InactiveOrLocked"}, nil
	}
	if w.Balance < amount {
		return SubtractOutcome{Reason: "InsufficientBalance"}, nil
	}
	w.Balance -= amount
	w.LastUsedAt = time.Now().UTC()
	return SubtractOutcome{OK: true, NewBalance: w.Balance}, nil
}

func (f *fakeRepo) UpdateBalance(_ context.Context, id string, newBalance float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if w, ok := f.wallets[id]; ok {
		w.Balance = newBalance
	}
	return nil
}

func (f *fakeRepo) BatchUpdateBalances(_ context.Context, updates map[string]float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, bal := range updates {
		if w, ok := f.wallets[id]; ok {
			w.Balance = bal
		}
	}
	return nil
}

func (f *fakeRepo) FindOptimalForWithdrawal(_ context.Context, currency config.Currency, amount float64) (*models.Wallet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var best *models.Wallet
	for _, w := range f.wallets {
		if w.Currency != currency || w.Status != models.WalletActive || w.IsLocked || !w.IsActive {
			continue
		}
		if w.Type != models.WalletHot && w.Type != models.WalletPool {
			continue
		}
		if w.Balance < amount {
			continue
		}
		if best == nil || w.Balance > best.Balance ||
			(w.Balance == best.Balance && w.LastUsedAt.Before(best.LastUsedAt)) {
			cp := *w
			best = &cp
		}
	}
	return best, nil
}

func (f *fakeRepo) FindForRotation(_ context.Context, idleSince time.Time) ([]*models.Wallet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.Wallet
	for _, w := range f.wallets {
		if (w.Type == models.WalletHot || w.Type == models.WalletPool) && w.IsActive && w.LastUsedAt.Before(idleSince) {
			cp := *w
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeRepo) ArchiveInactive(_ context.Context, cutoff time.Time, batchSize int) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	for id, w := range f.wallets {
		if len(ids) >= batchSize {
			break
		}
		if w.Status == models.WalletActive && w.Balance == 0 && w.LastUsedAt.Before(cutoff) {
			w.Status = models.WalletArchived
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func testCfg() config.Wallet {
	return config.Wallet{
		BalanceCacheTTL:   30 * time.Second,
		RotationIdle:      168 * time.Hour,
		ArchivalIdle:      2160 * time.Hour,
		ArchiveBatchSize:  1000,
		ArchiveBatchPause: time.Millisecond,
	}
}

func TestManagerCreateRejectsDuplicateAddress(t *testing.T) {
	repo := newFakeRepo()
	mgr := NewManager(repo, NewMemoryCache(), testCfg())

	w1 := &models.Wallet{ID: "w1", Address: "addr-1", Currency: config.BTC, Type: models.WalletHot, IsActive: true}
	require.NoError(t, mgr.Create(context.Background(), w1))

	w2 := &models.Wallet{ID: "w2", Address: "addr-1", Currency: config.BTC, Type: models.WalletHot, IsActive: true}
	err := mgr.Create(context.Background(), w2)
	require.Error(t, err)
}

func TestManagerAtomicSubtractSuccessAndInsufficient(t *testing.T) {
	repo := newFakeRepo()
	mgr := NewManager(repo, NewMemoryCache(), testCfg())

	w := &models.Wallet{ID: "w1", Address: "addr-1", Currency: config.BTC, Type: models.WalletHot,
		Balance: 1.0, IsActive: true, Status: models.WalletActive}
	require.NoError(t, mgr.Create(context.Background(), w))

	out, err := mgr.AtomicSubtract(context.Background(), "w1", 0.4)
	require.NoError(t, err)
	require.True(t, out.OK)
	require.InDelta(t, 0.6, out.NewBalance, 1e-9)

	out, err = mgr.AtomicSubtract(context.Background(), "w1", 100)
	require.Error(t, err)
	require.False(t, out.OK)
	require.Equal(t, "InsufficientBalance", out.Reason)
}

func TestManagerAtomicSubtractRejectsLocked(t *testing.T) {
	repo := newFakeRepo()
	mgr := NewManager(repo, NewMemoryCache(), testCfg())

	w := &models.Wallet{ID: "w1", Address: "addr-1", Currency: config.BTC, Type: models.WalletHot,
		Balance: 5.0, IsActive: true, IsLocked: true, Status: models.WalletLocked}
	require.NoError(t, mgr.Create(context.Background(), w))

	out, err := mgr.AtomicSubtract(context.Background(), "w1", 1.0)
	require.Error(t, err)
	require.Equal(t, "InactiveOrLocked", out.Reason)
}

func TestManagerGetBalanceCaches(t *testing.T) {
	repo := newFakeRepo()
	mgr := NewManager(repo, NewMemoryCache(), testCfg())

	w := &models.Wallet{ID: "w1", Address: "addr-1", Currency: config.BTC, Type: models.WalletHot,
		Balance: 2.5, IsActive: true, Status: models.WalletActive}
	require.NoError(t, mgr.Create(context.Background(), w))

	bal, err := mgr.GetBalance(context.Background(), "w1")
	require.NoError(t, err)
	require.Equal(t, 2.5, bal)

	repo.mu.Lock()
	repo.wallets["w1"].Balance = 999
	repo.mu.Unlock()

	bal, err = mgr.GetBalance(context.Background(), "w1")
	require.NoError(t, err)
	require.Equal(t, 2.5, bal, "cached value should be served, not the mutated repo value")
}

func TestManagerFindOptimalForWithdrawalOrdering(t *testing.T) {
	repo := newFakeRepo()
	mgr := NewManager(repo, NewMemoryCache(), testCfg())

	now := time.Now().UTC()
	require.NoError(t, mgr.Create(context.Background(), &models.Wallet{
		ID: "low", Address: "a1", Currency: config.BTC, Type: models.WalletHot,
		Balance: 1.0, IsActive: true, Status: models.WalletActive, LastUsedAt: now,
	}))
	require.NoError(t, mgr.Create(context.Background(), &models.Wallet{
		ID: "high", Address: "a2", Currency: config.BTC, Type: models.WalletPool,
		Balance: 5.0, IsActive: true, Status: models.WalletActive, LastUsedAt: now,
	}))

	best, err := mgr.FindOptimalForWithdrawal(context.Background(), config.BTC, 0.5)
	require.NoError(t, err)
	require.NotNil(t, best)
	require.Equal(t, "high", best.ID)
}

func TestManagerArchiveInactive(t *testing.T) {
	repo := newFakeRepo()
	mgr := NewManager(repo, NewMemoryCache(), testCfg())

	stale := time.Now().UTC().Add(-3000 * time.Hour)
	require.NoError(t, mgr.Create(context.Background(), &models.Wallet{
		ID: "w1", Address: "a1", Currency: config.BTC, Type: models.WalletHot,
		Balance: 0, IsActive: true, Status: models.WalletActive, LastUsedAt: stale,
	}))

	n, err := mgr.ArchiveInactive(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)

	w, err := repo.GetWallet(context.Background(), "w1")
	require.NoError(t, err)
	require.Equal(t, models.WalletArchived, w.Status)
}

func TestManagerBalanceChangedEventEmitted(t *testing.T) {
	repo := newFakeRepo()
	mgr := NewManager(repo, NewMemoryCache(), testCfg())

	require.NoError(t, mgr.Create(context.Background(), &models.Wallet{
		ID: "w1", Address: "a1", Currency: config.BTC, Type: models.WalletHot,
		Balance: 1.0, IsActive: true, Status: models.WalletActive,
	}))

	events := make(chan BalanceChangedEvent, 1)
	mgr.OnBalanceChanged(func(ev BalanceChangedEvent) { events <- ev })

	require.NoError(t, mgr.UpdateBalance(context.Background(), "w1", 3.0))

	select {
	case ev := <-events:
		require.Equal(t, "w1", ev.WalletID)
		require.Equal(t, 1.0, ev.OldBalance)
		require.Equal(t, 3.0, ev.NewBalance)
	case <-time.After(time.Second):
		t.Fatal("expected BalanceChanged event")
	}
}
