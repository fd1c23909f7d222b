// Package crypto loads the signing keys the escrow adapters submit with.
package crypto

import (
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/btcsuite/btcutil/base58"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gagliardetto/solana-go"
)

const solanaKeypairLen = 64

// KeySource locates a signing key. Key holds inline material; Keystore is a
// key file path. Passphrase is consulted only for encrypted keystores.
type KeySource struct {
	Key        string
	Keystore   string
	Passphrase func() (string, error)
}

// EVMKey parses a hex encoded secp256k1 private key, with or without 0x.
func EVMKey(hexKey string) (*ecdsa.PrivateKey, error) {
	trimmed := strings.TrimSpace(hexKey)
	trimmed = strings.TrimPrefix(strings.TrimPrefix(trimmed, "0x"), "0X")
	key, err := crypto.HexToECDSA(trimmed)
	if err != nil {
		return nil, fmt.Errorf("crypto: invalid evm key: %w", err)
	}
	return key, nil
}

// GenerateEVMKey creates a new secp256k1 key.
func GenerateEVMKey() (*ecdsa.PrivateKey, error) {
	return crypto.GenerateKey()
}

// EVMAddress returns the checksummed address of key.
func EVMAddress(key *ecdsa.PrivateKey) string {
	return crypto.PubkeyToAddress(key.PublicKey).Hex()
}

// SolanaKey parses a 64 byte keypair written either as base58 or as the
// JSON byte array produced by solana-keygen.
func SolanaKey(raw string) (solana.PrivateKey, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, errors.New("crypto: empty solana key")
	}
	var b []byte
	if strings.HasPrefix(trimmed, "[") {
		var ints []int
		if err := json.Unmarshal([]byte(trimmed), &ints); err != nil {
			return nil, fmt.Errorf("crypto: invalid keypair array: %w", err)
		}
		b = make([]byte, len(ints))
		for i, v := range ints {
			if v < 0 || v > 255 {
				return nil, fmt.Errorf("crypto: keypair byte %d out of range", i)
			}
			b[i] = byte(v)
		}
	} else {
		b = base58.Decode(trimmed)
	}
	if len(b) != solanaKeypairLen {
		return nil, fmt.Errorf("crypto: solana keypair must be %d bytes, got %d", solanaKeypairLen, len(b))
	}
	return solana.PrivateKey(b), nil
}

// EncodeSolanaKey renders key as base58.
func EncodeSolanaKey(key solana.PrivateKey) string {
	return base58.Encode(key)
}

// LoadEVMSigner resolves src to an EVM key. A keystore is decrypted with the
// passphrase.
func LoadEVMSigner(src KeySource) (*ecdsa.PrivateKey, error) {
	if src.Key != "" {
		return EVMKey(src.Key)
	}
	if src.Keystore == "" {
		return nil, errors.New("crypto: no evm key configured")
	}
	passphrase := ""
	if src.Passphrase != nil {
		p, err := src.Passphrase()
		if err != nil {
			return nil, err
		}
		passphrase = p
	}
	return LoadFromKeystore(src.Keystore, passphrase)
}

// LoadSolanaSigner resolves src to a Solana keypair. A keystore is a
// solana-keygen keypair file.
func LoadSolanaSigner(src KeySource) (solana.PrivateKey, error) {
	if src.Key != "" {
		return SolanaKey(src.Key)
	}
	if src.Keystore == "" {
		return nil, errors.New("crypto: no solana key configured")
	}
	contents, err := os.ReadFile(src.Keystore)
	if err != nil {
		return nil, fmt.Errorf("crypto: read keypair: %w", err)
	}
	return SolanaKey(string(contents))
}
