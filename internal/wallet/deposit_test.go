package wallet

import (
	"context"
	"encoding/hex"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rawblock/mixcoordinator/internal/config"
	"github.com/rawblock/mixcoordinator/pkg/models"
)

type fakeDepositRepo struct {
	mu    sync.Mutex
	saved []*models.DepositAddress
}

func (f *fakeDepositRepo) SaveDepositAddress(_ context.Context, addr *models.DepositAddress) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = append(f.saved, addr)
	return nil
}

func testDepositCfg() config.Wallet {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	return config.Wallet{DepositKeyEncryptionKeyHex: hex.EncodeToString(key)}
}

func TestDepositAllocatorAllocatesUniqueAddresses(t *testing.T) {
	repo := &fakeDepositRepo{}
	alloc, err := NewDepositAllocator(repo, testDepositCfg())
	require.NoError(t, err)

	a1, err := alloc.Allocate(context.Background(), config.BTC)
	require.NoError(t, err)
	a2, err := alloc.Allocate(context.Background(), config.BTC)
	require.NoError(t, err)

	require.NotEqual(t, a1.Address, a2.Address)
	require.NotEqual(t, a1.ID, a2.ID)
	require.NotEmpty(t, a1.PrivateKeyCiphertext)
	require.NotEmpty(t, a1.IV)
	require.Len(t, repo.saved, 2)
}

func TestDepositAllocatorRejectsMalformedKey(t *testing.T) {
	repo := &fakeDepositRepo{}
	_, err := NewDepositAllocator(repo, config.Wallet{DepositKeyEncryptionKeyHex: "not-hex"})
	require.Error(t, err)
}

func TestDepositAllocatorRejectsWrongKeyLength(t *testing.T) {
	repo := &fakeDepositRepo{}
	_, err := NewDepositAllocator(repo, config.Wallet{DepositKeyEncryptionKeyHex: hex.EncodeToString([]byte("short"))})
	require.Error(t, err)
}
