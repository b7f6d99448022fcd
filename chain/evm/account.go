package evm

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// Account is the agent's externally-owned account. It is loaded once from a
// raw private key at startup and is immutable for the process lifetime.
type Account struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewAccountFromRaw parses a hex encoded private key (with or without the 0x
// prefix) and returns the account controlling the derived address.
func NewAccountFromRaw(privKey string) (*Account, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(privKey), "0x")
	if trimmed == "" {
		return nil, errors.New("private key is empty")
	}

	key, err := crypto.HexToECDSA(trimmed)
	if err != nil {
		return nil, fmt.Errorf("failed to convert private key to ECDSA: %w", err)
	}

	return &Account{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
	}, nil
}

// Address returns the EOA address.
func (a *Account) Address() common.Address {
	return a.address
}

// SignHash signs an arbitrary 32-byte hash and returns the 65-byte
// [R || S || V] signature with V in {0, 1}.
func (a *Account) SignHash(hash []byte) ([]byte, error) {
	if len(hash) != 32 {
		return nil, fmt.Errorf("hash must be 32 bytes, got %d", len(hash))
	}

	return crypto.Sign(hash, a.key)
}

// SignTx signs tx with the account key for the given chain ID.
func (a *Account) SignTx(chainID *big.Int, tx *types.Transaction) (*types.Transaction, error) {
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), a.key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign transaction: %w", err)
	}

	return signed, nil
}
