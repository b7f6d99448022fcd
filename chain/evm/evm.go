// Package evm provides the chain access layer for the agent: a minimal client
// interface over JSON-RPC, a failover-capable implementation, and the EOA
// account used to sign every outgoing transaction.
package evm

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// OnchainClient is the chain surface the submission core depends on. It is a
// strict subset of geth's ethclient so tests can substitute a fake without a
// running node.
type OnchainClient interface {
	ChainID(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
}

// RPC describes a single JSON-RPC endpoint.
type RPC struct {
	// Name identifies the endpoint in logs.
	Name string
	// URL is the HTTP(S) or WS(S) endpoint to dial.
	URL string
}
