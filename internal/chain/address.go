package chain

import (
	"crypto/sha256"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/mr-tron/base58"

	"github.com/rawblock/mixcoordinator/internal/config"
	"github.com/rawblock/mixcoordinator/internal/errs"
)

// Encode derives the deposit address for pub under currency's native
// address format (spec.md §6's per-currency AddressRegex table). Every
// rail is derived from the same secp256k1 keypair WalletManager
// generates; for SOL, whose mainnet keys are Ed25519, this is a
// documented simplification (see DESIGN.md) rather than a true
// Ed25519 derivation.
func Encode(currency config.Currency, pub *secp256k1.PublicKey) (string, error) {
	const op = "chain.Encode"
	switch currency {
	case config.BTC:
		return encodeBTC(pub)
	case config.ETH, config.USDTERC20:
		return encodeETH(pub), nil
	case config.USDTTRC20:
		return encodeTRC20(pub), nil
	case config.SOL:
		return encodeSOL(pub), nil
	default:
		return "", errs.New(op, errs.InputValidation, "unsupported currency")
	}
}

func encodeBTC(pub *secp256k1.PublicKey) (string, error) {
	const op = "chain.encodeBTC"
	hash160 := btcutil.Hash160(pub.SerializeCompressed())
	addr, err := btcutil.NewAddressPubKeyHash(hash160, &chaincfg.MainNetParams)
	if err != nil {
		return "", errs.Wrap(op, errs.Fatal, "address encoding failed", err)
	}
	return addr.EncodeAddress(), nil
}

// encodeETH follows the same Keccak256(X‖Y)[12:] derivation as
// go-ethereum's crypto.PubkeyToAddress, applied directly to the
// uncompressed secp256k1 point instead of converting through
// crypto/ecdsa.
func encodeETH(pub *secp256k1.PublicKey) string {
	uncompressed := pub.SerializeUncompressed() // 0x04 || X(32) || Y(32)
	hash := crypto.Keccak256(uncompressed[1:])
	return common.BytesToAddress(hash[12:]).Hex()
}

// encodeTRC20 mirrors Tron's base58check address format: a 0x41
// version byte over the same 20-byte hash Ethereum addresses use,
// base58-encoded with a 4-byte double-SHA256 checksum.
func encodeTRC20(pub *secp256k1.PublicKey) string {
	uncompressed := pub.SerializeUncompressed()
	hash := crypto.Keccak256(uncompressed[1:])
	payload := append([]byte{0x41}, hash[12:]...)
	checksum := doubleSHA256(payload)[:4]
	return base58.Encode(append(payload, checksum...))
}

// encodeSOL base58-encodes the raw 32-byte x-coordinate of the
// secp256k1 public key in place of a true Ed25519 public key — see the
// doc comment on Encode.
func encodeSOL(pub *secp256k1.PublicKey) string {
	compressed := pub.SerializeCompressed()
	return base58.Encode(compressed[1:]) // drop the parity-sign prefix byte
}

func doubleSHA256(b []byte) []byte {
	first := sha256.Sum256(b)
	second := sha256.Sum256(first[:])
	return second[:]
}
