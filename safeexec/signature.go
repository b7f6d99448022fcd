package safeexec

import (
	"fmt"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/valory-xyz/pettai-agent-sub000/chain/evm"
)

// ethSignVOffset shifts the recovery byte so the wallet contract recognizes
// the signature as produced by the eth_sign flow (prefixed hash) rather than
// a contract signature: v in {0,1} becomes {31,32}.
const ethSignVOffset = 27 + 4

// buildApprovalSignature signs the wallet transaction hash through the
// personal-sign path and returns the 65-byte r || s || v blob the wallet's
// execTransaction expects for a single off-chain owner signature.
func buildApprovalSignature(account *evm.Account, safeTxHash [32]byte) ([]byte, error) {
	prefixed := accounts.TextHash(safeTxHash[:])

	sig, err := account.SignHash(prefixed)
	if err != nil {
		return nil, fmt.Errorf("failed to sign wallet transaction hash: %w", err)
	}

	// Sanity-check recovery before trusting the blob: a signature that does
	// not recover to the agent EOA would revert on-chain (GS026).
	pub, err := crypto.SigToPub(prefixed, sig)
	if err != nil {
		return nil, fmt.Errorf("failed to recover own signature: %w", err)
	}
	if recovered := crypto.PubkeyToAddress(*pub); recovered != account.Address() {
		return nil, fmt.Errorf("recovered signer %s does not match agent EOA %s",
			recovered.Hex(), account.Address().Hex())
	}

	blob := make([]byte, 65)
	copy(blob, sig[:64])
	blob[64] = sig[64] + ethSignVOffset

	return blob, nil
}
