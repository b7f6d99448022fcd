// Package safeexec builds, signs, and broadcasts multisig-wrapped
// transactions from the agent EOA. It owns the nonce-critical section: the
// wallet nonce fetch, the EOA nonce re-validation, signing, and the broadcast
// all happen under the account's coordinator lock.
package safeexec

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/valory-xyz/pettai-agent-sub000/chain/evm"
	"github.com/valory-xyz/pettai-agent-sub000/contracts"
	"github.com/valory-xyz/pettai-agent-sub000/nonces"
	"github.com/valory-xyz/pettai-agent-sub000/pkg/logger"
	"github.com/valory-xyz/pettai-agent-sub000/sigverify"
	"github.com/valory-xyz/pettai-agent-sub000/txpolicy"
)

// Wallet nonce fetch retry configuration. A stale wallet nonce reverts the
// transaction, so the fetch is retried and never guessed.
const (
	WalletNonceMaxAttempts = 3
	WalletNonceRetryDelay  = 500 * time.Millisecond
)

var (
	// ErrWalletNonceUnavailable means the wallet nonce could not be read and
	// no prior value exists to reason about. The attempt is rejected.
	ErrWalletNonceUnavailable = errors.New("wallet nonce unavailable")
	// ErrWalletNonceFallback means only a fallback wallet nonce was
	// available. A submission built on it would likely revert, so the
	// attempt is rejected rather than broadcast.
	ErrWalletNonceFallback = errors.New("wallet nonce fallback is unsafe to submit")
	// ErrNonceConflict means the EOA nonce moved or was rejected as too low;
	// the caller should wait nonces.RetryDelay and retry the attempt.
	ErrNonceConflict = errors.New("account nonce conflict")
	// ErrDryRun is returned instead of broadcasting when dry-run mode is on.
	ErrDryRun = errors.New("dry run: transaction not broadcast")
)

// IsRetryable reports whether err is a transient nonce conflict worth
// retrying after a short delay.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrNonceConflict)
}

// Stage identifies a phase of one Execute attempt, in execution order.
type Stage string

const (
	StageEstimateGas      Stage = "ESTIMATE_GAS"
	StageFetchWalletNonce Stage = "FETCH_WALLET_NONCE"
	StageSimulate         Stage = "SIMULATE"
	StageSign             Stage = "SIGN"
)

// WalletCall is one inner contract call to route through the wallet.
type WalletCall struct {
	To    common.Address
	Value *big.Int
	Data  []byte
	// SafeTxGas, when non-zero, skips the inner gas estimation.
	SafeTxGas uint64
	// BaseGas, when non-zero, replaces the default base gas.
	BaseGas uint64
	// OnStage, when set, is invoked as the attempt enters each stage.
	OnStage func(Stage)
}

func (c WalletCall) enterStage(stage Stage) {
	if c.OnStage != nil {
		c.OnStage(stage)
	}
}

// Config tunes the executor.
type Config struct {
	// SafeTxGasOverride, when non-zero, replaces the estimated safeTxGas.
	// Expected to be pre-clamped by the configuration layer.
	SafeTxGasOverride uint64
	// BaseGasOverride, when non-zero, replaces the default baseGas.
	BaseGasOverride uint64
	// DryRun builds and logs the transaction but never broadcasts.
	DryRun bool
}

// Executor submits wallet-wrapped calls from a single EOA.
type Executor struct {
	lggr        logger.Logger
	client      evm.OnchainClient
	account     *evm.Account
	safe        contracts.Safe
	coordinator *nonces.Coordinator
	policy      *txpolicy.Policy
	ownership   *sigverify.OwnershipValidator
	chainID     *big.Int
	cfg         Config

	mu              sync.Mutex
	lastWalletNonce *big.Int
}

// New returns an Executor. The coordinator must be the same instance used by
// every other submitter of this account.
func New(
	lggr logger.Logger,
	client evm.OnchainClient,
	account *evm.Account,
	safe contracts.Safe,
	coordinator *nonces.Coordinator,
	policy *txpolicy.Policy,
	ownership *sigverify.OwnershipValidator,
	chainID *big.Int,
	cfg Config,
) *Executor {
	return &Executor{
		lggr:        lggr,
		client:      client,
		account:     account,
		safe:        safe,
		coordinator: coordinator,
		policy:      policy,
		ownership:   ownership,
		chainID:     chainID,
		cfg:         cfg,
	}
}

// Execute runs one submission attempt for call and returns the broadcast
// transaction hash. Transient nonce conflicts are reported via
// ErrNonceConflict so the caller's bounded retry loop can re-invoke; all
// other errors are terminal for the attempt.
func (e *Executor) Execute(ctx context.Context, call WalletCall) (common.Hash, error) {
	if err := e.ownership.Validate(ctx, false); err != nil {
		return common.Hash{}, err
	}

	release := e.coordinator.Acquire(e.account.Address())
	defer release()

	nonce, err := e.coordinator.Next(ctx, e.account.Address())
	if err != nil {
		return common.Hash{}, err
	}

	call.enterStage(StageEstimateGas)
	safeTxGas := e.resolveSafeTxGas(ctx, call)
	baseGas := e.resolveBaseGas(call)

	call.enterStage(StageFetchWalletNonce)
	walletNonce, err := e.walletNonce(ctx)
	if err != nil {
		return common.Hash{}, err
	}

	value := call.Value
	if value == nil {
		value = big.NewInt(0)
	}
	safeTx := contracts.SafeTx{
		To:             call.To,
		Value:          value,
		Data:           call.Data,
		Operation:      contracts.SafeOperationCall,
		SafeTxGas:      new(big.Int).SetUint64(safeTxGas),
		BaseGas:        new(big.Int).SetUint64(baseGas),
		GasPrice:       big.NewInt(0),
		GasToken:       contracts.ZeroAddress,
		RefundReceiver: contracts.ZeroAddress,
	}

	safeTxHash, err := e.safe.TransactionHash(ctx, e.client, safeTx, walletNonce)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to compute wallet transaction hash: %w", err)
	}
	e.lggr.Infow("wallet transaction hash to sign",
		"hash", common.Hash(safeTxHash).Hex(), "walletNonce", walletNonce)

	signatures, err := buildApprovalSignature(e.account, safeTxHash)
	if err != nil {
		return common.Hash{}, err
	}

	execData, err := e.safe.PackExecTransaction(safeTx, signatures)
	if err != nil {
		return common.Hash{}, err
	}

	intrinsicGas := txpolicy.IntrinsicGas(execData)
	configuredGas := e.policy.ConfiguredGas(safeTxGas, baseGas, intrinsicGas)
	e.lggr.Debugw("wallet gas config",
		"safeTxGas", safeTxGas, "baseGas", baseGas, "intrinsic", intrinsicGas, "configured", configuredGas)

	fees := e.fees(ctx)
	gasLimit := e.outerGasLimit(ctx, execData, intrinsicGas, safeTxGas, baseGas, configuredGas)

	call.enterStage(StageSimulate)
	e.simulate(ctx, execData, gasLimit)

	// Last chance to notice another transaction consuming our nonce before
	// we commit a signature to it.
	nonce, moved, err := e.coordinator.Refresh(ctx, e.account.Address(), nonce)
	if err != nil {
		e.lggr.Debugw("failed to refresh account nonce before signing", "err", err)
	} else if moved {
		return common.Hash{}, fmt.Errorf("%w: pending nonce advanced to %d", ErrNonceConflict, nonce)
	}

	tx := e.buildTransaction(nonce, gasLimit, fees, execData)

	if e.cfg.DryRun {
		e.lggr.Infow("[DRY RUN] would submit wallet transaction",
			"to", e.safe.Address.Hex(), "nonce", nonce, "gas", gasLimit,
			"gasTipCap", fees.GasTipCap, "gasFeeCap", fees.GasFeeCap, "gasPrice", fees.GasPrice)

		return common.Hash{}, ErrDryRun
	}

	call.enterStage(StageSign)
	signed, err := e.account.SignTx(e.chainID, tx)
	if err != nil {
		return common.Hash{}, err
	}

	if err := e.client.SendTransaction(ctx, signed); err != nil {
		if e.coordinator.RecoverSendError(ctx, e.account.Address(), nonce, err) {
			return common.Hash{}, fmt.Errorf("%w: %v", ErrNonceConflict, err)
		}

		return common.Hash{}, fmt.Errorf("broadcast failed: %w", err)
	}

	e.coordinator.NoteSent(e.account.Address(), nonce)
	e.lggr.Infow("wallet transaction submitted",
		"tx", signed.Hash().Hex(), "nonce", nonce, "walletNonce", walletNonce, "gas", gasLimit)

	return signed.Hash(), nil
}

// resolveSafeTxGas picks the gas reserved for the inner call: a caller
// value, else a buffered simulation from the wallet's vantage point, else
// the default; operator overrides replace it but never drop below a fresh
// estimate.
func (e *Executor) resolveSafeTxGas(ctx context.Context, call WalletCall) uint64 {
	if call.SafeTxGas != 0 {
		return e.policy.CapGas(call.SafeTxGas, "caller safeTxGas")
	}

	var estimated uint64
	est, err := e.client.EstimateGas(ctx, ethereum.CallMsg{
		From: e.safe.Address,
		To:   &call.To,
		Data: call.Data,
	})
	if err != nil {
		e.lggr.Debugw("inner call gas estimation failed", "err", evm.RevertReason(err))
	} else {
		estimated = e.policy.BufferInnerEstimate(est)
		e.lggr.Infow("estimated safeTxGas from inner call", "safeTxGas", estimated)
	}

	safeTxGas := estimated
	if safeTxGas == 0 {
		safeTxGas = txpolicy.DefaultSafeTxGas
		e.lggr.Debugw("falling back to default safeTxGas", "safeTxGas", safeTxGas)
	}

	if e.cfg.SafeTxGasOverride != 0 {
		safeTxGas = e.cfg.SafeTxGasOverride
		e.lggr.Warnw("using safeTxGas override", "safeTxGas", safeTxGas)
	}
	if estimated != 0 && safeTxGas < estimated {
		e.lggr.Warnw("configured safeTxGas below estimated inner requirement, bumping to estimate",
			"configured", safeTxGas, "estimated", estimated)
		safeTxGas = estimated
	}

	return safeTxGas
}

func (e *Executor) resolveBaseGas(call WalletCall) uint64 {
	if call.BaseGas != 0 {
		return call.BaseGas
	}
	if e.cfg.BaseGasOverride != 0 {
		e.lggr.Warnw("using baseGas override", "baseGas", e.cfg.BaseGasOverride)

		return e.cfg.BaseGasOverride
	}

	return txpolicy.DefaultBaseGas
}

// walletNonce reads the wallet's internal nonce with bounded retries. A
// fallback derived from the last known value is remembered for diagnostics
// but is never submitted on.
func (e *Executor) walletNonce(ctx context.Context) (*big.Int, error) {
	nonce, err := retry.DoWithData(func() (*big.Int, error) {
		return e.safe.Nonce(ctx, e.client)
	},
		retry.Context(ctx),
		retry.Attempts(WalletNonceMaxAttempts),
		retry.Delay(WalletNonceRetryDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			e.lggr.Warnw("failed to fetch wallet nonce",
				"attempt", n+1, "maxAttempts", uint(WalletNonceMaxAttempts), "err", err)
		}),
	)
	if err == nil {
		e.mu.Lock()
		e.lastWalletNonce = new(big.Int).Set(nonce)
		e.mu.Unlock()

		return nonce, nil
	}

	e.mu.Lock()
	last := e.lastWalletNonce
	e.mu.Unlock()

	if last != nil {
		fallback := new(big.Int).Add(last, big.NewInt(1))
		e.lggr.Warnw("wallet nonce fallback in effect; refusing to submit on a possibly stale nonce",
			"fallback", fallback, "lastKnown", last, "attempts", uint(WalletNonceMaxAttempts))

		return nil, fmt.Errorf("%w: fallback %s after %d attempts", ErrWalletNonceFallback, fallback, WalletNonceMaxAttempts)
	}

	return nil, fmt.Errorf("%w: %v", ErrWalletNonceUnavailable, err)
}

// fees collects fee inputs and delegates to the policy. Failures degrade to
// the legacy gas price path rather than aborting the attempt.
func (e *Executor) fees(ctx context.Context) txpolicy.FeeParams {
	header, err := e.client.HeaderByNumber(ctx, nil)
	if err != nil {
		e.lggr.Debugw("failed to fetch latest header for fee data", "err", err)
		header = nil
	}

	var tip *big.Int
	if header != nil && header.BaseFee != nil {
		tip, err = e.client.SuggestGasTipCap(ctx)
		if err != nil {
			e.lggr.Debugw("failed to obtain RPC priority fee suggestion", "err", err)
			tip = nil
		}

		return e.policy.Fees(header, tip, nil)
	}

	gasPrice, err := e.client.SuggestGasPrice(ctx)
	if err != nil {
		e.lggr.Warnw("failed to obtain legacy gas price suggestion", "err", err)
		gasPrice = big.NewInt(0)
	}

	return e.policy.Fees(header, nil, gasPrice)
}

// outerGasLimit picks the gas limit for the outer transaction: the larger of
// a buffered simulation and the configured limit; the deterministic fallback
// floor when estimation fails and nothing is configured.
func (e *Executor) outerGasLimit(ctx context.Context, execData []byte, intrinsicGas, safeTxGas, baseGas, configuredGas uint64) uint64 {
	from := e.account.Address()
	est, err := e.client.EstimateGas(ctx, ethereum.CallMsg{
		From: from,
		To:   &e.safe.Address,
		Data: execData,
	})
	if err == nil {
		buffered := e.policy.BufferOuterEstimate(est, intrinsicGas, safeTxGas, baseGas)
		if configuredGas > txpolicy.MinGas && configuredGas > buffered {
			return configuredGas
		}

		return buffered
	}

	e.lggr.Debugw("execTransaction gas estimation failed", "err", evm.RevertReason(err))

	if configuredGas > txpolicy.MinGas {
		e.lggr.Warnw("using configured gas limit due to failed estimation", "gas", configuredGas)

		return configuredGas
	}

	fallback := e.policy.FallbackGas(intrinsicGas, safeTxGas, baseGas)
	e.lggr.Warnw("falling back to intrinsic-based gas limit",
		"gas", fallback, "intrinsic", intrinsicGas)

	return fallback
}

// simulate runs the exact transaction as an eth_call to surface revert
// reasons before spending gas. Advisory only: some wallets reject static
// calls the real transaction would accept.
func (e *Executor) simulate(ctx context.Context, execData []byte, gasLimit uint64) {
	from := e.account.Address()
	_, err := e.client.CallContract(ctx, ethereum.CallMsg{
		From: from,
		To:   &e.safe.Address,
		Gas:  gasLimit,
		Data: execData,
	}, nil)
	if err != nil {
		e.lggr.Warnw("preflight execTransaction call reverted",
			"reason", evm.RevertReason(err))

		return
	}
	e.lggr.Infow("preflight execTransaction call succeeded", "from", from.Hex())
}

func (e *Executor) buildTransaction(nonce, gasLimit uint64, fees txpolicy.FeeParams, execData []byte) *types.Transaction {
	to := e.safe.Address
	if fees.Dynamic() {
		return types.NewTx(&types.DynamicFeeTx{
			ChainID:   e.chainID,
			Nonce:     nonce,
			GasTipCap: fees.GasTipCap,
			GasFeeCap: fees.GasFeeCap,
			Gas:       gasLimit,
			To:        &to,
			Value:     big.NewInt(0),
			Data:      execData,
		})
	}

	return types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: fees.GasPrice,
		Gas:      gasLimit,
		To:       &to,
		Value:    big.NewInt(0),
		Data:     execData,
	})
}
