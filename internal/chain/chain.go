// Package chain abstracts the per-currency blockchain clients
// MixRequestEngine and RingMixer need: broadcasting a signed
// transaction, polling for confirmations, and watching a deposit
// address for an incoming payment (spec.md §4.1, §4.3's on-chain
// touchpoints).
package chain

import (
	"context"
	"time"

	"github.com/rawblock/mixcoordinator/internal/config"
)

// Transaction is the subset of on-chain transaction data the engine
// needs to reason about confirmations and amounts.
type Transaction struct {
	Txid          string
	Confirmations int64
	BlockHeight   int64
	Amount        float64
}

// Deposit is one observed incoming payment to a watched address.
type Deposit struct {
	Address     string
	Txid        string
	Amount      float64
	BlockHeight int64
}

// Client is the per-currency chain adapter. BTCClient (btc.go) is the
// only implementation in this package; the other currencies in
// config.AllCurrencies have none.
type Client interface {
	Currency() config.Currency
	Broadcast(ctx context.Context, rawTx []byte) (txid string, err error)
	GetTransaction(ctx context.Context, txid string) (*Transaction, error)
	GetConfirmations(ctx context.Context, txid string) (int64, error)
	GetBlockHeight(ctx context.Context) (int64, error)

	// SubscribeAddress polls for incoming payments to address and
	// delivers each once to the returned channel. The channel closes
	// when ctx is cancelled.
	SubscribeAddress(ctx context.Context, address string, pollInterval time.Duration) (<-chan Deposit, error)
}

// Registry resolves a Client by currency, used by components that
// operate across all supported rails (the engine's confirmation poller,
// the RingMixer's broadcast step).
type Registry struct {
	clients map[config.Currency]Client
}

// NewRegistry builds a Registry from one Client per currency. For a
// currency without a registered client, Get reports false.
func NewRegistry(clients ...Client) *Registry {
	r := &Registry{clients: make(map[config.Currency]Client, len(clients))}
	for _, c := range clients {
		r.clients[c.Currency()] = c
	}
	return r
}

// Get returns the Client for currency, or false if none is registered.
func (r *Registry) Get(currency config.Currency) (Client, bool) {
	c, ok := r.clients[currency]
	return c, ok
}
