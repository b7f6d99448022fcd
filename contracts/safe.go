package contracts

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/valory-xyz/pettai-agent-sub000/chain/evm"
)

// SafeOperation is the Safe call operation type. The agent only ever issues
// plain CALLs, never DELEGATECALLs.
const SafeOperationCall uint8 = 0

// ZeroAddress fills the Safe's unused gasToken and refundReceiver fields.
var ZeroAddress = common.Address{}

// SafeTx is a fully specified multisig transaction before signing.
type SafeTx struct {
	To             common.Address
	Value          *big.Int
	Data           []byte
	Operation      uint8
	SafeTxGas      *big.Int
	BaseGas        *big.Int
	GasPrice       *big.Int
	GasToken       common.Address
	RefundReceiver common.Address
}

// Safe wraps the multisig wallet contract at a fixed address.
type Safe struct {
	Address common.Address
}

// Nonce returns the wallet's internal replay-protection counter.
func (s Safe) Nonce(ctx context.Context, client evm.OnchainClient) (*big.Int, error) {
	out, err := Call(ctx, client, SafeABI, s.Address, "nonce")
	if err != nil {
		return nil, err
	}

	nonce, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected nonce result type %T", out[0])
	}

	return nonce, nil
}

// Owners returns the wallet's current owner set.
func (s Safe) Owners(ctx context.Context, client evm.OnchainClient) ([]common.Address, error) {
	out, err := Call(ctx, client, SafeABI, s.Address, "getOwners")
	if err != nil {
		return nil, err
	}

	owners, ok := out[0].([]common.Address)
	if !ok {
		return nil, fmt.Errorf("unexpected getOwners result type %T", out[0])
	}

	return owners, nil
}

// Threshold returns the number of owner signatures the wallet requires.
func (s Safe) Threshold(ctx context.Context, client evm.OnchainClient) (*big.Int, error) {
	out, err := Call(ctx, client, SafeABI, s.Address, "getThreshold")
	if err != nil {
		return nil, err
	}

	threshold, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected getThreshold result type %T", out[0])
	}

	return threshold, nil
}

// TransactionHash asks the wallet for the hash the owners must sign for tx at
// the given wallet nonce.
func (s Safe) TransactionHash(ctx context.Context, client evm.OnchainClient, tx SafeTx, nonce *big.Int) ([32]byte, error) {
	out, err := Call(ctx, client, SafeABI, s.Address, "getTransactionHash",
		tx.To, tx.Value, tx.Data, tx.Operation, tx.SafeTxGas, tx.BaseGas,
		tx.GasPrice, tx.GasToken, tx.RefundReceiver, nonce)
	if err != nil {
		return [32]byte{}, err
	}

	hash, ok := out[0].([32]byte)
	if !ok {
		return [32]byte{}, fmt.Errorf("unexpected getTransactionHash result type %T", out[0])
	}

	return hash, nil
}

// PackExecTransaction encodes the execTransaction calldata for tx with the
// given signature blob.
func (s Safe) PackExecTransaction(tx SafeTx, signatures []byte) ([]byte, error) {
	data, err := SafeABI.Pack("execTransaction",
		tx.To, tx.Value, tx.Data, tx.Operation, tx.SafeTxGas, tx.BaseGas,
		tx.GasPrice, tx.GasToken, tx.RefundReceiver, signatures)
	if err != nil {
		return nil, fmt.Errorf("failed to pack execTransaction calldata: %w", err)
	}

	return data, nil
}
