package contracts

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/valory-xyz/pettai-agent-sub000/chain/evm"
)

// StakingProxy wraps the staking proxy contract at a fixed address.
type StakingProxy struct {
	Address common.Address
}

// PackCheckpoint encodes the checkpoint calldata.
func (p StakingProxy) PackCheckpoint() ([]byte, error) {
	data, err := StakingProxyABI.Pack("checkpoint")
	if err != nil {
		return nil, fmt.Errorf("failed to pack checkpoint calldata: %w", err)
	}

	return data, nil
}

// TsCheckpoint returns the timestamp of the last executed checkpoint.
func (p StakingProxy) TsCheckpoint(ctx context.Context, client evm.OnchainClient) (uint64, error) {
	return p.viewUint(ctx, client, "tsCheckpoint")
}

// LivenessPeriod returns the contract-configured liveness period in seconds.
func (p StakingProxy) LivenessPeriod(ctx context.Context, client evm.OnchainClient) (uint64, error) {
	return p.viewUint(ctx, client, "livenessPeriod")
}

// NextRewardCheckpointTimestamp returns the timestamp when the current epoch
// ends, or 0 when the contract does not report one.
func (p StakingProxy) NextRewardCheckpointTimestamp(ctx context.Context, client evm.OnchainClient) (uint64, error) {
	return p.viewUint(ctx, client, "getNextRewardCheckpointTimestamp")
}

func (p StakingProxy) viewUint(ctx context.Context, client evm.OnchainClient, method string) (uint64, error) {
	out, err := Call(ctx, client, StakingProxyABI, p.Address, method)
	if err != nil {
		return 0, err
	}

	value, ok := out[0].(*big.Int)
	if !ok {
		return 0, fmt.Errorf("unexpected %s result type %T", method, out[0])
	}

	return value.Uint64(), nil
}
