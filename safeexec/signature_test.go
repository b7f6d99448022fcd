package safeexec

import (
	"testing"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/valory-xyz/pettai-agent-sub000/chain/evm"
)

const testKeyHex = "8da4ef21b864d2cc526dbdb2a120bd2874c36c9d0a1fb7f8c63d7f7a8b41de8f"

func TestBuildApprovalSignature(t *testing.T) {
	t.Parallel()

	account, err := evm.NewAccountFromRaw(testKeyHex)
	require.NoError(t, err)

	var safeTxHash [32]byte
	safeTxHash[0] = 0xde
	safeTxHash[31] = 0xad

	blob, err := buildApprovalSignature(account, safeTxHash)
	require.NoError(t, err)
	require.Len(t, blob, 65)

	// The recovery byte carries the eth_sign marker.
	v := blob[64]
	assert.Contains(t, []byte{31, 32}, v)

	// Undoing the offset must recover the agent EOA over the prefixed hash.
	raw := make([]byte, 65)
	copy(raw, blob[:64])
	raw[64] = v - ethSignVOffset

	pub, err := crypto.SigToPub(accounts.TextHash(safeTxHash[:]), raw)
	require.NoError(t, err)
	assert.Equal(t, account.Address(), crypto.PubkeyToAddress(*pub))
}

func TestBuildApprovalSignature_Deterministic(t *testing.T) {
	t.Parallel()

	account, err := evm.NewAccountFromRaw("0x" + testKeyHex)
	require.NoError(t, err)

	var safeTxHash [32]byte
	safeTxHash[5] = 0x42

	first, err := buildApprovalSignature(account, safeTxHash)
	require.NoError(t, err)
	second, err := buildApprovalSignature(account, safeTxHash)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}
