// Package sigverify validates that an action authorization was signed by the
// trusted off-chain authority before any gas is spent on it, and that the
// multisig wallet is still in a state the single-signature executor can
// operate (threshold 1, agent EOA among the owners).
package sigverify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/valory-xyz/pettai-agent-sub000/chain/evm"
	"github.com/valory-xyz/pettai-agent-sub000/contracts"
	"github.com/valory-xyz/pettai-agent-sub000/pkg/logger"
)

var (
	// ErrHashMismatch means the caller-supplied hash does not equal the
	// locally derived action hash. Never silently recomputed.
	ErrHashMismatch = errors.New("supplied action hash does not match derived hash")
	// ErrSignerMismatch means the recovered signer is not the authority.
	ErrSignerMismatch = errors.New("recovered signer does not match authority")
)

// Signature is an ECDSA signature in its on-chain (v, r, s) form.
type Signature struct {
	V uint64
	R [32]byte
	S [32]byte
}

// ActionHash derives the deterministic hash the authority signs for one
// action: Keccak-256 over the packed encoding of
// (actionId uint8, nonce bytes32, timestamp uint256).
func ActionHash(actionID uint8, nonce [32]byte, timestamp *big.Int) common.Hash {
	packed := make([]byte, 0, 1+32+32)
	packed = append(packed, actionID)
	packed = append(packed, nonce[:]...)

	ts := make([]byte, 32)
	timestamp.FillBytes(ts)
	packed = append(packed, ts...)

	return crypto.Keccak256Hash(packed)
}

// NormalizeV maps a signature recovery value from any of the common
// encodings ({0,1}, {27,28}, EIP-155 variants) into the {0,1} domain.
func NormalizeV(v uint64) byte {
	switch {
	case v == 0 || v == 1:
		return byte(v)
	case v == 27 || v == 28:
		return byte(v - 27)
	default:
		return byte((v - 27) & 1)
	}
}

// RecoverSigner recovers the address that produced sig over hash.
func RecoverSigner(hash common.Hash, sig Signature) (common.Address, error) {
	raw := make([]byte, 65)
	copy(raw[:32], sig.R[:])
	copy(raw[32:64], sig.S[:])
	raw[64] = NormalizeV(sig.V)

	pub, err := crypto.SigToPub(hash[:], raw)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to recover signer: %w", err)
	}

	return crypto.PubkeyToAddress(*pub), nil
}

// Verifier checks action authorizations against the on-chain authority.
type Verifier struct {
	lggr   logger.Logger
	client evm.OnchainClient
	repo   contracts.ActionRepo
}

// NewVerifier returns a Verifier reading the authority from repo.
func NewVerifier(lggr logger.Logger, client evm.OnchainClient, repo contracts.ActionRepo) *Verifier {
	return &Verifier{lggr: lggr, client: client, repo: repo}
}

// Verify derives the action hash, optionally cross-checks a caller-supplied
// hash byte-for-byte, recovers the signer and compares it to the contract's
// authority. The authority is fetched fresh on every call.
func (vf *Verifier) Verify(ctx context.Context, actionID uint8, nonce [32]byte, timestamp *big.Int, sig Signature, suppliedHash []byte) error {
	derived := ActionHash(actionID, nonce, timestamp)

	if len(suppliedHash) > 0 {
		if len(suppliedHash) != 32 {
			return fmt.Errorf("%w: supplied hash is %d bytes, want 32", ErrHashMismatch, len(suppliedHash))
		}
		if !bytes.Equal(suppliedHash, derived[:]) {
			return fmt.Errorf("%w: supplied %s, derived %s",
				ErrHashMismatch, common.BytesToHash(suppliedHash).Hex(), derived.Hex())
		}
	}

	recovered, err := RecoverSigner(derived, sig)
	if err != nil {
		return err
	}

	authority, err := vf.repo.MainSigner(ctx, vf.client)
	if err != nil {
		return fmt.Errorf("failed to load authority for verification: %w", err)
	}

	if recovered != authority {
		vf.lggr.Errorw("action authorization signer mismatch",
			"actionId", actionID, "recovered", recovered.Hex(), "authority", authority.Hex())

		return fmt.Errorf("%w: recovered %s, authority %s", ErrSignerMismatch, recovered.Hex(), authority.Hex())
	}

	vf.lggr.Infow("action authorization signer verified",
		"actionId", actionID, "signer", recovered.Hex())

	return nil
}
