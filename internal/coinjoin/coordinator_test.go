package coinjoin

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rawblock/mixcoordinator/internal/config"
	"github.com/rawblock/mixcoordinator/pkg/models"
)

func testParams() config.CoinJoinParams {
	return config.CoinJoinParams{
		RegistrationTimeout:       0, // advance immediately once unlocked in tests that call Tick
		OutputRegistrationTimeout: 0,
		SigningTimeout:            0,
		BroadcastingTimeout:       0,
		MinParticipants:           2,
		MaxParticipants:           10,
		BanDuration:               time.Minute,
		CoordinatorFeeRate:        0.003,
		NetworkFee:                0.0001,
	}
}

func TestCreateSessionSelectsLargestDenomination(t *testing.T) {
	c := NewCoordinator(testParams(), nil)
	sessionID, err := c.CreateSession(context.Background(), config.BTC, 0.5, []byte("coordinator-key"))
	require.NoError(t, err)
	require.NotEmpty(t, sessionID)

	st, err := c.get(sessionID)
	require.NoError(t, err)
	require.Equal(t, 0.1, st.session.Denomination) // largest denom <= 0.5 is 0.1
}

func TestCreateSessionNoMatchingDenomination(t *testing.T) {
	c := NewCoordinator(testParams(), nil)
	_, err := c.CreateSession(context.Background(), config.BTC, 0.0001, []byte("k"))
	require.Error(t, err)
}

func TestRegisterRejectsInsufficientFunds(t *testing.T) {
	c := NewCoordinator(testParams(), nil)
	sessionID, err := c.CreateSession(context.Background(), config.BTC, 1.0, []byte("k"))
	require.NoError(t, err)

	inputs := []models.UTXORef{{Txid: "tx1", OutputIndex: 0, Amount: 0.01}}
	_, err = c.Register(context.Background(), sessionID, inputs, []byte("pub1"), nil)
	require.Error(t, err)
}

func TestRegisterSucceedsAndPreventsDoubleSpend(t *testing.T) {
	c := NewCoordinator(testParams(), nil)
	sessionID, err := c.CreateSession(context.Background(), config.BTC, 1.0, []byte("k"))
	require.NoError(t, err)

	inputs := []models.UTXORef{{Txid: "tx1", OutputIndex: 0, Amount: 2.0}}
	pid1, err := c.Register(context.Background(), sessionID, inputs, []byte("pub1"), nil)
	require.NoError(t, err)
	require.NotEmpty(t, pid1)

	sessionID2, err := c.CreateSession(context.Background(), config.BTC, 1.0, []byte("k"))
	require.NoError(t, err)
	_, err = c.Register(context.Background(), sessionID2, inputs, []byte("pub1"), nil)
	require.Error(t, err) // same input, same pubkey -> same derived key image -> DoubleSpend
}

func TestRegisterRejectsBannedParticipant(t *testing.T) {
	c := NewCoordinator(testParams(), nil)
	sessionID, err := c.CreateSession(context.Background(), config.BTC, 1.0, []byte("k"))
	require.NoError(t, err)

	inputs := []models.UTXORef{{Txid: "tx1", OutputIndex: 0, Amount: 2.0}}
	pid, err := c.Register(context.Background(), sessionID, inputs, []byte("pub1"), nil)
	require.NoError(t, err)

	c.bans.ban(pid)

	sessionID2, err := c.CreateSession(context.Background(), config.BTC, 1.0, []byte("k"))
	require.NoError(t, err)
	_, err = c.Register(context.Background(), sessionID2, []models.UTXORef{{Txid: "tx2", OutputIndex: 0, Amount: 2.0}}, []byte("pub1"), nil)
	require.Error(t, err)
}

func TestRegisterOutputsBansOnBadProof(t *testing.T) {
	c := NewCoordinator(testParams(), nil)
	sessionID, err := c.CreateSession(context.Background(), config.BTC, 1.0, []byte("k"))
	require.NoError(t, err)

	inputs := []models.UTXORef{{Txid: "tx1", OutputIndex: 0, Amount: 2.0}}
	pid, err := c.Register(context.Background(), sessionID, inputs, []byte("pub1"), nil)
	require.NoError(t, err)

	st, err := c.get(sessionID)
	require.NoError(t, err)
	st.session.Phase = models.PhaseOutputRegistration

	err = c.RegisterOutputs(sessionID, pid, []models.BlindedOutput{
		{Commitment: []byte("commit"), RangeProof: []byte("bogus")},
	})
	require.Error(t, err)
	require.True(t, c.bans.isBanned(pid))
}

func TestRegisterOutputsAcceptsValidProof(t *testing.T) {
	c := NewCoordinator(testParams(), nil)
	sessionID, err := c.CreateSession(context.Background(), config.BTC, 1.0, []byte("k"))
	require.NoError(t, err)

	inputs := []models.UTXORef{{Txid: "tx1", OutputIndex: 0, Amount: 2.0}}
	pid, err := c.Register(context.Background(), sessionID, inputs, []byte("pub1"), nil)
	require.NoError(t, err)

	st, err := c.get(sessionID)
	require.NoError(t, err)
	st.session.Phase = models.PhaseOutputRegistration

	commitment := []byte("commitment-bytes")
	proof := MakeRangeProof(commitment)

	err = c.RegisterOutputs(sessionID, pid, []models.BlindedOutput{
		{Commitment: commitment, RangeProof: proof},
	})
	require.NoError(t, err)

	require.Equal(t, models.ParticipantCommitted, st.session.Participants[pid].Status)
}

func TestFisherYatesShuffleIsPermutation(t *testing.T) {
	order, seed, err := fisherYatesShuffle(10)
	require.NoError(t, err)
	require.Len(t, seed, 40)

	seen := make(map[int]bool)
	for _, v := range order {
		require.False(t, seen[v], "duplicate index in permutation")
		seen[v] = true
	}
	require.Len(t, seen, 10)
}
