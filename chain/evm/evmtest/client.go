// Package evmtest provides a configurable in-memory OnchainClient for tests.
package evmtest

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/valory-xyz/pettai-agent-sub000/chain/evm"
)

var _ evm.OnchainClient = &Client{}

// Client implements evm.OnchainClient with per-method function hooks. Unset
// hooks fall back to benign defaults so tests only configure what they
// assert on. All calls are counted by method name.
type Client struct {
	ChainIDFn          func(ctx context.Context) (*big.Int, error)
	HeaderByNumberFn   func(ctx context.Context, number *big.Int) (*types.Header, error)
	PendingNonceAtFn   func(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPriceFn  func(ctx context.Context) (*big.Int, error)
	SuggestGasTipCapFn func(ctx context.Context) (*big.Int, error)
	EstimateGasFn      func(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	CallContractFn     func(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	SendTransactionFn  func(ctx context.Context, tx *types.Transaction) error

	mu    sync.Mutex
	calls map[string]int
	sent  []*types.Transaction
}

// NewClient returns a Client with default behaviors: chain id 100, a header
// with a 1 gwei base fee, zero pending nonce, modest fee suggestions, and a
// 100k gas estimate. CallContract fails unless configured.
func NewClient() *Client {
	return &Client{calls: make(map[string]int)}
}

// CallCount returns how many times method was invoked.
func (c *Client) CallCount(method string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.calls[method]
}

// Sent returns the transactions passed to SendTransaction, in order.
func (c *Client) Sent() []*types.Transaction {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]*types.Transaction(nil), c.sent...)
}

func (c *Client) record(method string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls[method]++
}

func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	c.record("ChainID")
	if c.ChainIDFn != nil {
		return c.ChainIDFn(ctx)
	}

	return big.NewInt(100), nil
}

func (c *Client) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	c.record("HeaderByNumber")
	if c.HeaderByNumberFn != nil {
		return c.HeaderByNumberFn(ctx, number)
	}

	return &types.Header{
		Number:  big.NewInt(1),
		Time:    1_700_000_000,
		BaseFee: big.NewInt(1_000_000_000),
	}, nil
}

func (c *Client) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	c.record("PendingNonceAt")
	if c.PendingNonceAtFn != nil {
		return c.PendingNonceAtFn(ctx, account)
	}

	return 0, nil
}

func (c *Client) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	c.record("SuggestGasPrice")
	if c.SuggestGasPriceFn != nil {
		return c.SuggestGasPriceFn(ctx)
	}

	return big.NewInt(1_000_000_000), nil
}

func (c *Client) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	c.record("SuggestGasTipCap")
	if c.SuggestGasTipCapFn != nil {
		return c.SuggestGasTipCapFn(ctx)
	}

	return big.NewInt(5_000_000), nil
}

func (c *Client) EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error) {
	c.record("EstimateGas")
	if c.EstimateGasFn != nil {
		return c.EstimateGasFn(ctx, call)
	}

	return 100_000, nil
}

func (c *Client) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	c.record("CallContract")
	if c.CallContractFn != nil {
		return c.CallContractFn(ctx, msg, blockNumber)
	}

	return nil, fmt.Errorf("evmtest: no CallContract handler for %x", msg.Data)
}

func (c *Client) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	c.record("SendTransaction")
	if c.SendTransactionFn != nil {
		if err := c.SendTransactionFn(ctx, tx); err != nil {
			return err
		}
	}

	c.mu.Lock()
	c.sent = append(c.sent, tx)
	c.mu.Unlock()

	return nil
}
