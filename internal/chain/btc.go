package chain

import (
	"context"
	"encoding/hex"
	"strconv"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/rawblock/mixcoordinator/internal/bitcoin"
	"github.com/rawblock/mixcoordinator/internal/config"
	"github.com/rawblock/mixcoordinator/internal/errs"
)

func chainhashFromTxid(txid string) (*chainhash.Hash, error) {
	return chainhash.NewHashFromStr(txid)
}

// BTCClient adapts the teacher's watch-only bitcoin.Client to the
// chain.Client interface.
type BTCClient struct {
	rpc *bitcoin.Client
}

// NewBTCClient wraps an already-connected bitcoin.Client.
func NewBTCClient(rpc *bitcoin.Client) *BTCClient {
	return &BTCClient{rpc: rpc}
}

func (b *BTCClient) Currency() config.Currency { return config.BTC }

func (b *BTCClient) Broadcast(_ context.Context, rawTx []byte) (string, error) {
	const op = "BTCClient.Broadcast"
	txid, err := b.rpc.SendRawTransactionHex(hex.EncodeToString(rawTx))
	if err != nil {
		return "", errs.Wrap(op, errs.Transient, "broadcast failed", err)
	}
	return txid, nil
}

func (b *BTCClient) GetTransaction(_ context.Context, txid string) (*Transaction, error) {
	const op = "BTCClient.GetTransaction"
	hash, err := chainhashFromTxid(txid)
	if err != nil {
		return nil, errs.Wrap(op, errs.InputValidation, "malformed txid", err)
	}
	raw, err := b.rpc.GetRawTransaction(hash)
	if err != nil {
		return nil, errs.Wrap(op, errs.Transient, "get raw transaction failed", err)
	}
	var amount float64
	for _, out := range raw.Vout {
		amount += out.Value
	}
	return &Transaction{
		Txid:          raw.Txid,
		Confirmations: int64(raw.Confirmations),
		Amount:        amount,
	}, nil
}

func (b *BTCClient) GetConfirmations(ctx context.Context, txid string) (int64, error) {
	tx, err := b.GetTransaction(ctx, txid)
	if err != nil {
		return 0, err
	}
	return tx.Confirmations, nil
}

func (b *BTCClient) GetBlockHeight(_ context.Context) (int64, error) {
	const op = "BTCClient.GetBlockHeight"
	height, err := b.rpc.GetBlockCount()
	if err != nil {
		return 0, errs.Wrap(op, errs.Transient, "get block count failed", err)
	}
	return height, nil
}

// SubscribeAddress polls ListUnspent for address every pollInterval and
// emits a Deposit the first time a new UTXO appears — the same
// ticker-driven, seen-set-deduplicated shape as the teacher's mempool
// poller, narrowed to a single watched address.
func (b *BTCClient) SubscribeAddress(ctx context.Context, address string, pollInterval time.Duration) (<-chan Deposit, error) {
	if err := b.rpc.ImportAddress(address, "mixcoordinator-deposit", false); err != nil {
		return nil, errs.Wrap("BTCClient.SubscribeAddress", errs.Transient, "watch-only import failed", err)
	}

	out := make(chan Deposit, 1)
	go func() {
		defer close(out)
		seen := make(map[string]bool)
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				utxos, err := b.rpc.ListUnspent([]string{address})
				if err != nil {
					continue
				}
				for _, u := range utxos {
					key := u.TxID + ":" + strconv.Itoa(int(u.Vout))
					if seen[key] {
						continue
					}
					seen[key] = true
					select {
					case out <- Deposit{Address: address, Txid: u.TxID, Amount: u.Amount, BlockHeight: int64(u.Confirmations)}:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()
	return out, nil
}
