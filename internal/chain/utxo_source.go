package chain

import (
	"github.com/rawblock/mixcoordinator/internal/bitcoin"
	"github.com/rawblock/mixcoordinator/internal/config"
	"github.com/rawblock/mixcoordinator/pkg/models"
)

// BTCUTXOSource adapts the watch-only bitcoin.Client's wallet UTXO set
// into ring.UTXOSource, so RingMixer can draw decoys from real on-chain
// outputs held across the coordinator's deposit wallets (spec.md §4.3).
type BTCUTXOSource struct {
	rpc *bitcoin.Client
}

// NewBTCUTXOSource wraps an already-connected bitcoin.Client.
func NewBTCUTXOSource(rpc *bitcoin.Client) *BTCUTXOSource {
	return &BTCUTXOSource{rpc: rpc}
}

// CandidateKeys lists the watch-only wallet's unspent outputs within
// [minAge, maxAge] blocks of currentHeight. Only BTC is supported; other
// currencies return an empty pool so RingMixer falls back to whatever
// decoys are already available in-memory.
func (b *BTCUTXOSource) CandidateKeys(currency config.Currency, minAge, maxAge, currentHeight int64) ([]models.RingKey, error) {
	if currency != config.BTC {
		return nil, nil
	}

	utxos, err := b.rpc.ListUnspent(nil)
	if err != nil {
		return nil, err
	}

	keys := make([]models.RingKey, 0, len(utxos))
	for _, u := range utxos {
		height := currentHeight - int64(u.Confirmations)
		age := currentHeight - height
		if age < minAge || age > maxAge {
			continue
		}
		keys = append(keys, models.RingKey{
			PublicKey:   []byte(u.ScriptPubKey),
			Amount:      u.Amount,
			BlockHeight: height,
		})
	}
	return keys, nil
}

