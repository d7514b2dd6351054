package chain

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rawblock/mixcoordinator/internal/config"
	"github.com/rawblock/mixcoordinator/internal/crypto"
)

func TestEncodeIsDeterministicPerCurrency(t *testing.T) {
	kp, err := crypto.GenerateKeypair()
	require.NoError(t, err)

	for _, currency := range config.AllCurrencies {
		a1, err := Encode(currency, kp.Public)
		require.NoError(t, err)
		a2, err := Encode(currency, kp.Public)
		require.NoError(t, err)
		require.Equal(t, a1, a2, "currency %s", currency)
		require.NotEmpty(t, a1)
	}
}

func TestEncodeDiffersAcrossCurrencies(t *testing.T) {
	kp, err := crypto.GenerateKeypair()
	require.NoError(t, err)

	btc, err := Encode(config.BTC, kp.Public)
	require.NoError(t, err)
	eth, err := Encode(config.ETH, kp.Public)
	require.NoError(t, err)
	require.NotEqual(t, btc, eth)
}

func TestEncodeRejectsUnsupportedCurrency(t *testing.T) {
	kp, err := crypto.GenerateKeypair()
	require.NoError(t, err)

	_, err = Encode(config.Currency("DOGE"), kp.Public)
	require.Error(t, err)
}
