package contracts

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/valory-xyz/pettai-agent-sub000/chain/evm"
)

// ActionRepo wraps the action repository contract at a fixed address.
type ActionRepo struct {
	Address common.Address
}

// MainSigner returns the off-chain authority address the contract expects
// action authorizations to be signed by. It is always fetched fresh because
// it gates fund-affecting operations.
func (r ActionRepo) MainSigner(ctx context.Context, client evm.OnchainClient) (common.Address, error) {
	out, err := Call(ctx, client, ActionRepoABI, r.Address, "mainSigner")
	if err != nil {
		return common.Address{}, err
	}

	signer, ok := out[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("unexpected mainSigner result type %T", out[0])
	}

	return signer, nil
}

// PackRecordAction encodes the recordAction calldata for a verified action.
func (r ActionRepo) PackRecordAction(actionID uint8, nonce [32]byte, timestamp *big.Int, v uint8, sigR, sigS [32]byte) ([]byte, error) {
	data, err := ActionRepoABI.Pack("recordAction", actionID, nonce, timestamp, v, sigR, sigS)
	if err != nil {
		return nil, fmt.Errorf("failed to pack recordAction calldata: %w", err)
	}

	return data, nil
}
