// Package contracts holds the ABI fragments and typed view-call helpers for
// the three contracts the agent interacts with: the action repository, the
// multisig wallet, and the staking proxy.
package contracts

import (
	"context"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/valory-xyz/pettai-agent-sub000/chain/evm"
)

const actionRepoABIJSON = `[
	{"inputs":[
		{"internalType":"uint8","name":"actionId","type":"uint8"},
		{"internalType":"bytes32","name":"nonce","type":"bytes32"},
		{"internalType":"uint256","name":"timestamp","type":"uint256"},
		{"internalType":"uint8","name":"v","type":"uint8"},
		{"internalType":"bytes32","name":"r","type":"bytes32"},
		{"internalType":"bytes32","name":"s","type":"bytes32"}],
	 "name":"recordAction",
	 "outputs":[{"internalType":"uint256","name":"newActionCount","type":"uint256"}],
	 "stateMutability":"nonpayable","type":"function"},
	{"inputs":[],"name":"mainSigner",
	 "outputs":[{"internalType":"address","name":"","type":"address"}],
	 "stateMutability":"view","type":"function"}
]`

const safeABIJSON = `[
	{"inputs":[
		{"internalType":"address","name":"to","type":"address"},
		{"internalType":"uint256","name":"value","type":"uint256"},
		{"internalType":"bytes","name":"data","type":"bytes"},
		{"internalType":"uint8","name":"operation","type":"uint8"},
		{"internalType":"uint256","name":"safeTxGas","type":"uint256"},
		{"internalType":"uint256","name":"baseGas","type":"uint256"},
		{"internalType":"uint256","name":"gasPrice","type":"uint256"},
		{"internalType":"address","name":"gasToken","type":"address"},
		{"internalType":"address payable","name":"refundReceiver","type":"address"},
		{"internalType":"bytes","name":"signatures","type":"bytes"}],
	 "name":"execTransaction",
	 "outputs":[{"internalType":"bool","name":"success","type":"bool"}],
	 "stateMutability":"payable","type":"function"},
	{"inputs":[
		{"internalType":"address","name":"to","type":"address"},
		{"internalType":"uint256","name":"value","type":"uint256"},
		{"internalType":"bytes","name":"data","type":"bytes"},
		{"internalType":"uint8","name":"operation","type":"uint8"},
		{"internalType":"uint256","name":"safeTxGas","type":"uint256"},
		{"internalType":"uint256","name":"baseGas","type":"uint256"},
		{"internalType":"uint256","name":"gasPrice","type":"uint256"},
		{"internalType":"address","name":"gasToken","type":"address"},
		{"internalType":"address","name":"refundReceiver","type":"address"},
		{"internalType":"uint256","name":"_nonce","type":"uint256"}],
	 "name":"getTransactionHash",
	 "outputs":[{"internalType":"bytes32","name":"","type":"bytes32"}],
	 "stateMutability":"view","type":"function"},
	{"inputs":[],"name":"nonce",
	 "outputs":[{"internalType":"uint256","name":"","type":"uint256"}],
	 "stateMutability":"view","type":"function"},
	{"inputs":[],"name":"getOwners",
	 "outputs":[{"internalType":"address[]","name":"","type":"address[]"}],
	 "stateMutability":"view","type":"function"},
	{"inputs":[],"name":"getThreshold",
	 "outputs":[{"internalType":"uint256","name":"","type":"uint256"}],
	 "stateMutability":"view","type":"function"}
]`

const stakingProxyABIJSON = `[
	{"inputs":[],"name":"checkpoint","outputs":[],
	 "stateMutability":"nonpayable","type":"function"},
	{"inputs":[],"name":"tsCheckpoint",
	 "outputs":[{"internalType":"uint256","name":"","type":"uint256"}],
	 "stateMutability":"view","type":"function"},
	{"inputs":[],"name":"livenessPeriod",
	 "outputs":[{"internalType":"uint256","name":"","type":"uint256"}],
	 "stateMutability":"view","type":"function"},
	{"inputs":[],"name":"getNextRewardCheckpointTimestamp",
	 "outputs":[{"internalType":"uint256","name":"","type":"uint256"}],
	 "stateMutability":"view","type":"function"}
]`

var (
	// ActionRepoABI is the recordAction interface of the action repository.
	ActionRepoABI = mustParseABI(actionRepoABIJSON)
	// SafeABI is the subset of the Gnosis Safe interface the executor uses.
	SafeABI = mustParseABI(safeABIJSON)
	// StakingProxyABI is the checkpoint interface of the staking proxy.
	StakingProxyABI = mustParseABI(stakingProxyABIJSON)
)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("invalid embedded ABI: %v", err))
	}

	return parsed
}

// Call packs a view method, executes it via eth_call against the latest block
// and unpacks the outputs.
func Call(ctx context.Context, client evm.OnchainClient, contractABI abi.ABI, to common.Address, method string, args ...any) ([]any, error) {
	data, err := contractABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to pack %s call: %w", method, err)
	}

	out, err := client.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("%s call failed: %w", method, err)
	}

	results, err := contractABI.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack %s result: %w", method, err)
	}

	return results, nil
}
