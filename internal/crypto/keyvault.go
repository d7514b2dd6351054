package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
)

// EncryptPrivateKey seals a private-key scalar with AES-256-CBC under key,
// matching spec.md §6's persisted layout: `{ciphertext, iv}` where
// ciphertext is AES-256-CBC over the plaintext key. The real key-vault/HSM
// this coordinator talks to is an external collaborator (spec.md §1); this
// is the reference cipher used wherever the core itself needs to seal or
// open a DepositAddress's key material outside that boundary (e.g. tests,
// local-dev key rotation tooling).
func EncryptPrivateKey(plaintext, key []byte) (ciphertext, iv []byte, err error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, fmt.Errorf("encrypt private key: %w", err)
	}

	padded := pkcs7Pad(plaintext, block.BlockSize())
	iv = make([]byte, block.BlockSize())
	if _, err := rand.Read(iv); err != nil {
		return nil, nil, fmt.Errorf("encrypt private key: generate iv: %w", err)
	}

	ciphertext = make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)
	return ciphertext, iv, nil
}

// DecryptPrivateKey reverses EncryptPrivateKey, recovering the plaintext
// private-key scalar byte-for-byte (spec.md §8 round-trip law).
func DecryptPrivateKey(ciphertext, iv, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("decrypt private key: %w", err)
	}
	if len(ciphertext)%block.BlockSize() != 0 || len(ciphertext) == 0 {
		return nil, fmt.Errorf("decrypt private key: invalid ciphertext length")
	}

	padded := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(padded, ciphertext)
	return pkcs7Unpad(padded)
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padding := bytes.Repeat([]byte{byte(padLen)}, padLen)
	return append(append([]byte{}, data...), padding...)
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("pkcs7 unpad: empty input")
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > len(data) {
		return nil, fmt.Errorf("pkcs7 unpad: invalid padding")
	}
	return data[:len(data)-padLen], nil
}
