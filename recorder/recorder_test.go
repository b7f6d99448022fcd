package recorder

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/valory-xyz/pettai-agent-sub000/chain/evm"
	"github.com/valory-xyz/pettai-agent-sub000/chain/evm/evmtest"
	"github.com/valory-xyz/pettai-agent-sub000/contracts"
	"github.com/valory-xyz/pettai-agent-sub000/nonces"
	"github.com/valory-xyz/pettai-agent-sub000/pkg/logger"
	"github.com/valory-xyz/pettai-agent-sub000/safeexec"
	"github.com/valory-xyz/pettai-agent-sub000/sigverify"
	"github.com/valory-xyz/pettai-agent-sub000/txpolicy"
)

const (
	walletKeyHex    = "8da4ef21b864d2cc526dbdb2a120bd2874c36c9d0a1fb7f8c63d7f7a8b41de8f"
	authorityKeyHex = "2a871d0798f97d79848a013d4936a73bf4cc922c825d33c1cf7073dff6d409c6"
	intruderKeyHex  = "4b8a0c3078af5c9ce180cb9dfc22c7ba8e4d652a754eeb5c1c9ad4f246d0b47c"
)

var (
	testRepoAddr = common.HexToAddress("0x907afc85f3922cbdeb7b9ed806742b4ef998df31")
	testSafeAddr = common.HexToAddress("0x5555555555555555555555555555555555555555")
	testChainID  = big.NewInt(100)
)

// pipelineChain answers every view call the full pipeline makes: the action
// repo's mainSigner, the multisig's owner and nonce surface, and the
// execTransaction preflight.
type pipelineChain struct {
	*evmtest.Client

	mu          sync.Mutex
	walletNonce int64
	authority   common.Address
	owner       common.Address
}

func newPipelineChain(t *testing.T, authority, owner common.Address) *pipelineChain {
	t.Helper()

	pc := &pipelineChain{
		Client:      evmtest.NewClient(),
		walletNonce: 7,
		authority:   authority,
		owner:       owner,
	}

	safeABI := contracts.SafeABI
	repoABI := contracts.ActionRepoABI
	pc.CallContractFn = func(ctx context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
		pc.mu.Lock()
		defer pc.mu.Unlock()

		if msg.To != nil && *msg.To == testRepoAddr {
			if bytes.HasPrefix(msg.Data, repoABI.Methods["mainSigner"].ID) {
				return repoABI.Methods["mainSigner"].Outputs.Pack(pc.authority)
			}

			return nil, errors.New("unexpected repo call")
		}

		switch {
		case bytes.HasPrefix(msg.Data, safeABI.Methods["nonce"].ID):
			return safeABI.Methods["nonce"].Outputs.Pack(big.NewInt(pc.walletNonce))
		case bytes.HasPrefix(msg.Data, safeABI.Methods["getTransactionHash"].ID):
			var hash [32]byte
			hash[0] = 0xcd

			return safeABI.Methods["getTransactionHash"].Outputs.Pack(hash)
		case bytes.HasPrefix(msg.Data, safeABI.Methods["getOwners"].ID):
			return safeABI.Methods["getOwners"].Outputs.Pack([]common.Address{pc.owner})
		case bytes.HasPrefix(msg.Data, safeABI.Methods["getThreshold"].ID):
			return safeABI.Methods["getThreshold"].Outputs.Pack(big.NewInt(1))
		case bytes.HasPrefix(msg.Data, safeABI.Methods["execTransaction"].ID):
			return []byte{}, nil
		default:
			return nil, errors.New("unexpected contract call")
		}
	}

	return pc
}

func keyAddress(t *testing.T, keyHex string) common.Address {
	t.Helper()

	key, err := crypto.HexToECDSA(keyHex)
	require.NoError(t, err)

	return crypto.PubkeyToAddress(key.PublicKey)
}

// signedVerification builds a server-style authorization envelope signed over
// the derived action hash.
func signedVerification(t *testing.T, keyHex string, actionID uint8, nonceByte byte, ts int64) Verification {
	t.Helper()

	var nonce [32]byte
	nonce[31] = nonceByte

	key, err := crypto.HexToECDSA(keyHex)
	require.NoError(t, err)

	hash := sigverify.ActionHash(actionID, nonce, big.NewInt(ts))
	raw, err := crypto.Sign(hash[:], key)
	require.NoError(t, err)

	return Verification{
		Signature: SignaturePayload{
			V: int(raw[64]) + 27,
			R: hexutil.Encode(raw[:32]),
			S: hexutil.Encode(raw[32:64]),
		},
		Message: MessagePayload{
			Timestamp: FlexInt(ts),
			Nonce:     hexutil.Encode(nonce[:]),
		},
	}
}

func newPipeline(t *testing.T, chain *pipelineChain, cfg safeexec.Config, opts ...Option) *Pipeline {
	t.Helper()

	account, err := evm.NewAccountFromRaw(walletKeyHex)
	require.NoError(t, err)

	lggr := logger.Test(t)
	safe := contracts.Safe{Address: testSafeAddr}
	repo := contracts.ActionRepo{Address: testRepoAddr}
	coordinator := nonces.NewCoordinator(lggr, chain)
	policy := txpolicy.New(lggr, nil)
	ownership := sigverify.NewOwnershipValidator(lggr, chain, safe, account.Address())
	verifier := sigverify.NewVerifier(lggr, chain, repo)
	executor := safeexec.New(lggr, chain, account, safe, coordinator, policy, ownership, testChainID, cfg)

	return New(lggr, verifier, ownership, executor, repo, opts...)
}

// recordingObserver captures state transitions in order.
type recordingObserver struct {
	mu     sync.Mutex
	states []State
}

func (r *recordingObserver) Transition(_ string, state State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, state)
}

func (r *recordingObserver) observed() []State {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]State(nil), r.states...)
}

func TestRecordAction_Submitted(t *testing.T) {
	t.Parallel()

	chain := newPipelineChain(t,
		keyAddress(t, authorityKeyHex), keyAddress(t, walletKeyHex))
	obs := &recordingObserver{}
	pipeline := newPipeline(t, chain, safeexec.Config{}, WithObserver(obs))

	const ts = int64(1_700_000_000)
	verification := signedVerification(t, authorityKeyHex, 3, 0x01, ts)

	outcome := pipeline.RecordAction(context.Background(), "RUB", verification)
	require.Equal(t, OutcomeSubmitted, outcome.Kind)
	assert.True(t, outcome.Success())

	sent := chain.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, sent[0].Hash(), outcome.TxHash)

	// The inner multisig payload is the packed recordAction call against the
	// action repo.
	method, err := contracts.SafeABI.MethodById(sent[0].Data()[:4])
	require.NoError(t, err)
	require.Equal(t, "execTransaction", method.Name)

	args, err := method.Inputs.Unpack(sent[0].Data()[4:])
	require.NoError(t, err)
	assert.Equal(t, testRepoAddr, args[0].(common.Address))

	var nonce [32]byte
	nonce[31] = 0x01
	auth, err := parseAuthorization(3, verification)
	require.NoError(t, err)

	repo := contracts.ActionRepo{Address: testRepoAddr}
	wantData, err := repo.PackRecordAction(3, nonce, big.NewInt(ts),
		uint8(auth.sig.V), auth.sig.R, auth.sig.S)
	require.NoError(t, err)
	assert.Equal(t, wantData, args[2].([]byte))

	assert.Equal(t, []State{
		StateValidateOwnership,
		StateValidateSignature,
		StateBuildCalldata,
		StateSubmit,
		StateEstimateGas,
		StateFetchWalletNonce,
		StateSimulate,
		StateSign,
		StateDone,
	}, obs.observed())
}

func TestRecordAction_CaseAndWhitespaceInsensitiveName(t *testing.T) {
	t.Parallel()

	chain := newPipelineChain(t,
		keyAddress(t, authorityKeyHex), keyAddress(t, walletKeyHex))
	pipeline := newPipeline(t, chain, safeexec.Config{})

	verification := signedVerification(t, authorityKeyHex, 3, 0x02, 1_700_000_000)

	outcome := pipeline.RecordAction(context.Background(), "  rub ", verification)
	assert.Equal(t, OutcomeSubmitted, outcome.Kind)
}

func TestRecordAction_NonAuthoritySignerRejected(t *testing.T) {
	t.Parallel()

	chain := newPipelineChain(t,
		keyAddress(t, authorityKeyHex), keyAddress(t, walletKeyHex))
	pipeline := newPipeline(t, chain, safeexec.Config{})

	verification := signedVerification(t, intruderKeyHex, 3, 0x01, 1_700_000_000)

	outcome := pipeline.RecordAction(context.Background(), "RUB", verification)
	require.Equal(t, OutcomeRejected, outcome.Kind)
	assert.False(t, outcome.Success())
	assert.NotEmpty(t, outcome.Reason)

	// Rejection happens before any nonce work or broadcast.
	assert.Zero(t, chain.CallCount("PendingNonceAt"))
	assert.Empty(t, chain.Sent())
}

func TestRecordAction_CheapValidationRejectsBeforeChainIO(t *testing.T) {
	t.Parallel()

	chain := newPipelineChain(t,
		keyAddress(t, authorityKeyHex), keyAddress(t, walletKeyHex))
	pipeline := newPipeline(t, chain, safeexec.Config{})

	verification := signedVerification(t, authorityKeyHex, 3, 0x01, 1_700_000_000)
	verification.Signature.V = 26

	outcome := pipeline.RecordAction(context.Background(), "RUB", verification)
	require.Equal(t, OutcomeRejected, outcome.Kind)

	assert.Zero(t, chain.CallCount("CallContract"))
	assert.Empty(t, chain.Sent())
}

func TestRecordAction_UnknownActionRejected(t *testing.T) {
	t.Parallel()

	chain := newPipelineChain(t,
		keyAddress(t, authorityKeyHex), keyAddress(t, walletKeyHex))
	pipeline := newPipeline(t, chain, safeexec.Config{})

	verification := signedVerification(t, authorityKeyHex, 3, 0x01, 1_700_000_000)

	outcome := pipeline.RecordAction(context.Background(), "DANCE", verification)
	require.Equal(t, OutcomeRejected, outcome.Kind)
	assert.Contains(t, outcome.Reason, "no action id mapping")
	assert.Zero(t, chain.CallCount("CallContract"))
}

func TestRecordAction_ServerActionIDFallback(t *testing.T) {
	t.Parallel()

	chain := newPipelineChain(t,
		keyAddress(t, authorityKeyHex), keyAddress(t, walletKeyHex))
	pipeline := newPipeline(t, chain, safeexec.Config{})

	// DANCE is absent from the local table; the server-provided id is used
	// and the signature must bind to that id.
	verification := signedVerification(t, authorityKeyHex, 42, 0x03, 1_700_000_000)
	verification.Message.Action = 42

	outcome := pipeline.RecordAction(context.Background(), "DANCE", verification)
	assert.Equal(t, OutcomeSubmitted, outcome.Kind)
}

func TestRecordAction_DryRunBuildsWithoutBroadcast(t *testing.T) {
	t.Parallel()

	chain := newPipelineChain(t,
		keyAddress(t, authorityKeyHex), keyAddress(t, walletKeyHex))
	pipeline := newPipeline(t, chain, safeexec.Config{DryRun: true})

	verification := signedVerification(t, authorityKeyHex, 3, 0x01, 1_700_000_000)

	outcome := pipeline.RecordAction(context.Background(), "RUB", verification)
	require.Equal(t, OutcomeDryRun, outcome.Kind)
	assert.True(t, outcome.Success())
	assert.Empty(t, chain.Sent())
	assert.Zero(t, chain.CallCount("SendTransaction"))
}

func TestRecordAction_RetryExhausted(t *testing.T) {
	t.Parallel()

	chain := newPipelineChain(t,
		keyAddress(t, authorityKeyHex), keyAddress(t, walletKeyHex))

	var attempts int
	var mu sync.Mutex
	chain.SendTransactionFn = func(ctx context.Context, tx *types.Transaction) error {
		mu.Lock()
		attempts++
		mu.Unlock()

		return errors.New("nonce too low: next nonce 9, tx nonce 8")
	}

	obs := &recordingObserver{}
	pipeline := newPipeline(t, chain, safeexec.Config{},
		WithObserver(obs), WithRetryDelay(time.Millisecond))

	verification := signedVerification(t, authorityKeyHex, 3, 0x01, 1_700_000_000)

	outcome := pipeline.RecordAction(context.Background(), "RUB", verification)
	require.Equal(t, OutcomeRetryExhausted, outcome.Kind)
	assert.False(t, outcome.Success())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, MaxAttempts, attempts)

	states := obs.observed()
	require.NotEmpty(t, states)
	assert.Equal(t, StateRejected, states[len(states)-1])
	assert.Contains(t, states, StateRetry)
}

func TestRecordAction_TerminalExecutorErrorRejects(t *testing.T) {
	t.Parallel()

	chain := newPipelineChain(t,
		keyAddress(t, authorityKeyHex), keyAddress(t, walletKeyHex))
	chain.SendTransactionFn = func(ctx context.Context, tx *types.Transaction) error {
		return errors.New("insufficient funds for gas * price + value")
	}

	pipeline := newPipeline(t, chain, safeexec.Config{})

	verification := signedVerification(t, authorityKeyHex, 3, 0x01, 1_700_000_000)

	outcome := pipeline.RecordAction(context.Background(), "RUB", verification)
	require.Equal(t, OutcomeRejected, outcome.Kind)
	assert.Contains(t, outcome.Reason, "insufficient funds")
}
