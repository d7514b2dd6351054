package wallet

import (
	"github.com/tyler-smith/go-bip39"

	"github.com/rawblock/mixcoordinator/internal/errs"
)

// GenerateRecoveryMnemonic produces a fresh 24-word BIP-39 mnemonic an
// operator can print and store offline; SeedFromMnemonic recovers the
// same 32-byte deposit-key encryption key from it later, so a lost
// DEPOSIT_KEY_ENCRYPTION_KEY env var doesn't strand every deposit
// wallet's encrypted private key.
func GenerateRecoveryMnemonic() (string, error) {
	const op = "GenerateRecoveryMnemonic"
	entropy, err := bip39.NewEntropy(256)
	if err != nil {
		return "", errs.Wrap(op, errs.Fatal, "entropy generation failed", err)
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return "", errs.Wrap(op, errs.Fatal, "mnemonic encoding failed", err)
	}
	return mnemonic, nil
}

// SeedFromMnemonic derives the 32-byte AES-256 deposit-key encryption
// key from a recovery mnemonic and operator-chosen passphrase, via
// BIP-39's standard PBKDF2 seed derivation.
func SeedFromMnemonic(mnemonic, passphrase string) ([]byte, error) {
	const op = "SeedFromMnemonic"
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, errs.New(op, errs.InputValidation, "invalid recovery mnemonic")
	}
	return bip39.NewSeed(mnemonic, passphrase)[:32], nil
}
