package bitcoin

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"log"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/wire"
)

type Client struct {
	RPC       *rpcclient.Client
	WalletRPC *rpcclient.Client
	Config    Config
}

type Config struct {
	Host string
	User string
	Pass string
}

func NewClient(cfg Config) (*Client, error) {
	connCfg := &rpcclient.ConnConfig{
		Host:         cfg.Host,
		User:         cfg.User,
		Pass:         cfg.Pass,
		HTTPPostMode: true, // Bitcoin Core only supports HTTP POST mode
		DisableTLS:   true, // Assuming local node without TLS for this setup
	}

	log.Printf("Connecting to Bitcoin RPC at %s...", cfg.Host)
	client, err := rpcclient.New(connCfg, nil)
	if err != nil {
		return nil, err
	}

	// Verify connection
	blockCount, err := client.GetBlockCount()
	if err != nil {
		client.Shutdown()
		return nil, err
	}

	log.Printf("Connected to Bitcoin Node. Current Block Height: %d", blockCount)

	c := &Client{RPC: client, Config: cfg}

	// Ensure a wallet is loaded for watch-only operations
	if err := c.InitializeWallet(); err != nil {
		log.Printf("Warning: Failed to initialize wallet: %v. Watch-only features might fail.", err)
	} else {
		log.Println("Wallet initialized successfully.")
	}

	return c, nil
}

func (c *Client) Shutdown() {
	c.RPC.Shutdown()
}

// --- RPC Wrappers ---
//
// Only the watch-only surface internal/chain actually drives is kept
// here: reading a deposit/payout transaction, listing wallet UTXOs,
// importing a watch-only address, reading the chain tip, and
// broadcasting a signed transaction. The teacher's node-operations
// surface (mempool introspection, fee estimation, block templates,
// scantxoutset, peer/mining info) served its forensics and mempool
// packages, which this module doesn't carry.

func (c *Client) GetRawTransaction(txHash *chainhash.Hash) (*btcjson.TxRawResult, error) {
	// Returns Verbose result
	return c.RPC.GetRawTransactionVerbose(txHash)
}

// --- Wallet Management ---

func (c *Client) CreateWallet(name string) error {
	// Explicitly create LEGACY wallet (descriptors=false) because importaddress is not supported on descriptor wallets
	// Args: wallet_name, disable_private_keys, blank, passphrase, avoid_reuse, descriptors, load_on_startup
	// We want: disable_private_keys=true, descriptors=false

	// Since rpcclient helpers might not expose descriptors opt easily in all versions, we use RawRequest.
	// createwallet "name" true false "" false false true
	params := []interface{}{
		name,  // name
		true,  // disable_private_keys
		false, // blank
		"",    // passphrase
		false, // avoid_reuse
		false, // descriptors
		true,  // load_on_startup
	}

	// Convert to []json.RawMessage
	rawParams := make([]json.RawMessage, len(params))
	for i, v := range params {
		marshaled, err := json.Marshal(v)
		if err != nil {
			return err
		}
		rawParams[i] = marshaled
	}

	_, err := c.RPC.RawRequest("createwallet", rawParams)
	return err
}

func (c *Client) LoadWallet(name string) error {
	_, err := c.RPC.LoadWallet(name)
	return err
}

func (c *Client) ListWallets() ([]string, error) {
	// rpcclient might be missing ListWallets in this version, using RawRequest
	rawResp, err := c.RPC.RawRequest("listwallets", nil)
	if err != nil {
		return nil, err
	}

	var wallets []string
	if err := json.Unmarshal(rawResp, &wallets); err != nil {
		return nil, err
	}
	return wallets, nil
}

// InitializeWallet ensures a wallet exists and is loaded for watch-only operations
func (c *Client) InitializeWallet() error {
	wallets, err := c.ListWallets()
	if err != nil {
		return err
	}

	const walletName = "watcher_legacy_v2"

	// If wallet is already loaded, we are good
	for _, w := range wallets {
		if w == walletName || w == "" { // "" is default wallet
			return nil
		}
	}

	// Try to load it
	if err := c.LoadWallet(walletName); err != nil {
		// If load failed, assume it doesn't exist and create it
		if err := c.CreateWallet(walletName); err != nil {
			return err
		}
	}

	// Initialize WalletRPC
	walletConnCfg := &rpcclient.ConnConfig{
		Host:         c.Config.Host + "/wallet/" + walletName,
		User:         c.Config.User,
		Pass:         c.Config.Pass,
		HTTPPostMode: true,
		DisableTLS:   true,
	}

	walletClient, err := rpcclient.New(walletConnCfg, nil)
	if err != nil {
		return err
	}
	c.WalletRPC = walletClient
	return nil
}

// ImportAddress imports a script (address) into the wallet as watch-only
// Uses importdescriptors (modern) to support descriptor wallets
func (c *Client) ImportAddress(address string, label string, rescan bool) error {
	return c.ImportAddressDescriptor(address, label, rescan)
}

type DescriptorRequest struct {
	Desc      string      `json:"desc"`
	Active    bool        `json:"active"`
	Timestamp interface{} `json:"timestamp"` // "now" or 0
	Label     string      `json:"label"`
}

func (c *Client) ImportAddressDescriptor(address string, label string, rescan bool) error {
	client := c.RPC
	if c.WalletRPC != nil {
		client = c.WalletRPC
	}

	// 1. Get Descriptor Info (checksum)
	// getdescriptorinfo "addr(ADDRESS)"
	descStr := "addr(" + address + ")"
	descParam, err := json.Marshal(descStr)
	if err != nil {
		return err
	}

	resp, err := client.RawRequest("getdescriptorinfo", []json.RawMessage{descParam})
	if err != nil {
		return err
	}

	var info struct {
		Descriptor string `json:"descriptor"` // canonical desc with checksum
	}
	if err := json.Unmarshal(resp, &info); err != nil {
		return err
	}

	// 2. Import
	req := DescriptorRequest{
		Desc:      info.Descriptor,
		Active:    false,
		Timestamp: "now",
		Label:     label,
	}
	if rescan {
		req.Timestamp = 0
	}

	reqBytes, err := json.Marshal([]DescriptorRequest{req})
	if err != nil {
		return err
	}

	// Returns array of results
	_, err = client.RawRequest("importdescriptors", []json.RawMessage{reqBytes})
	return err
}

// ListUnspent returns UTXOs for specific addresses. A nil/empty address
// list returns every watch-only UTXO currently tracked by the wallet.
func (c *Client) ListUnspent(addresses []string) ([]btcjson.ListUnspentResult, error) {
	// Convert strings to btcutil.Address
	decodedAddrs := make([]btcutil.Address, 0, len(addresses))
	for _, addr := range addresses {
		decoded, err := btcutil.DecodeAddress(addr, &chaincfg.MainNetParams)
		if err != nil {
			return nil, err
		}
		decodedAddrs = append(decodedAddrs, decoded)
	}

	// minConf=0, maxConf=9999999
	if c.WalletRPC != nil {
		return c.WalletRPC.ListUnspentMinMaxAddresses(0, 9999999, decodedAddrs)
	}
	return c.RPC.ListUnspentMinMaxAddresses(0, 9999999, decodedAddrs)
}

// GetBlockCount returns the current chain tip height.
func (c *Client) GetBlockCount() (int64, error) {
	return c.RPC.GetBlockCount()
}

// SendRawTransactionHex broadcasts a raw, serialized transaction and
// returns its txid.
func (c *Client) SendRawTransactionHex(rawTxHex string) (string, error) {
	raw, err := hex.DecodeString(rawTxHex)
	if err != nil {
		return "", err
	}
	var tx wire.MsgTx
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return "", err
	}
	hash, err := c.RPC.SendRawTransaction(&tx, false)
	if err != nil {
		return "", err
	}
	return hash.String(), nil
}
