// Package recorder is the verified-action submission pipeline. It maps an
// action name to its on-chain id, validates the server's authorization,
// verifies the authority signature, and drives the multisig executor through
// a bounded retry loop.
package recorder

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/valory-xyz/pettai-agent-sub000/contracts"
	"github.com/valory-xyz/pettai-agent-sub000/nonces"
	"github.com/valory-xyz/pettai-agent-sub000/pkg/logger"
	"github.com/valory-xyz/pettai-agent-sub000/safeexec"
	"github.com/valory-xyz/pettai-agent-sub000/sigverify"
)

// MaxAttempts bounds the retry loop for transient nonce conflicts.
const MaxAttempts = 50

// State identifies a pipeline stage. Observers receive a transition event on
// entry to each stage so tests and metrics can follow the flow without
// parsing log text.
type State string

const (
	StateValidateOwnership State = "VALIDATE_OWNERSHIP"
	StateValidateSignature State = "VALIDATE_SIGNATURE"
	StateBuildCalldata     State = "BUILD_CALLDATA"
	StateSubmit            State = "SUBMIT"
	StateRetry             State = "RETRY"
	StateDone              State = "DONE"
	StateRejected          State = "REJECTED"

	// Executor stages, relayed while an attempt is in flight. Their string
	// values match safeexec's stage names.
	StateEstimateGas      = State(safeexec.StageEstimateGas)
	StateFetchWalletNonce = State(safeexec.StageFetchWalletNonce)
	StateSimulate         = State(safeexec.StageSimulate)
	StateSign             = State(safeexec.StageSign)
)

// StateObserver is notified on every pipeline state transition.
type StateObserver interface {
	Transition(actionName string, state State)
}

// OutcomeKind classifies the terminal result of one pipeline invocation.
type OutcomeKind int

const (
	// OutcomeSubmitted means a transaction was broadcast.
	OutcomeSubmitted OutcomeKind = iota
	// OutcomeRejected means validation failed or the attempt was terminally
	// refused; nothing was broadcast.
	OutcomeRejected
	// OutcomeRetryExhausted means every attempt hit a transient conflict.
	OutcomeRetryExhausted
	// OutcomeDryRun means the transaction was fully built but dry-run mode
	// suppressed the broadcast.
	OutcomeDryRun
)

// Outcome is the typed result of RecordAction.
type Outcome struct {
	Kind   OutcomeKind
	TxHash common.Hash
	// Reason is set for OutcomeRejected.
	Reason string
}

// Success reports whether the action was accepted (broadcast or dry-run).
func (o Outcome) Success() bool {
	return o.Kind == OutcomeSubmitted || o.Kind == OutcomeDryRun
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithObserver registers a state transition observer.
func WithObserver(obs StateObserver) Option {
	return func(p *Pipeline) { p.observer = obs }
}

// WithActionIDs replaces the default action id table.
func WithActionIDs(ids map[string]uint8) Option {
	return func(p *Pipeline) { p.actionIDs = ids }
}

// WithRetryDelay overrides the pause between transient-conflict attempts.
func WithRetryDelay(d time.Duration) Option {
	return func(p *Pipeline) { p.retryDelay = d }
}

// Pipeline submits verified actions through the multisig executor.
type Pipeline struct {
	lggr      logger.Logger
	verifier  *sigverify.Verifier
	ownership *sigverify.OwnershipValidator
	executor  *safeexec.Executor
	repo      contracts.ActionRepo

	actionIDs  map[string]uint8
	retryDelay time.Duration
	observer   StateObserver

	mu             sync.Mutex
	unknownActions map[string]struct{}
}

// New returns a Pipeline wired to the given executor and verifier.
func New(
	lggr logger.Logger,
	verifier *sigverify.Verifier,
	ownership *sigverify.OwnershipValidator,
	executor *safeexec.Executor,
	repo contracts.ActionRepo,
	opts ...Option,
) *Pipeline {
	p := &Pipeline{
		lggr:           lggr,
		verifier:       verifier,
		ownership:      ownership,
		executor:       executor,
		repo:           repo,
		actionIDs:      DefaultActionIDs(),
		retryDelay:     nonces.RetryDelay,
		unknownActions: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}

	return p
}

// RecordAction runs the full pipeline for one action authorization and
// returns a typed outcome. Each invocation is independent; the pipeline does
// not deduplicate repeated authorizations.
func (p *Pipeline) RecordAction(ctx context.Context, actionName string, verification Verification) Outcome {
	actionKey := strings.ToUpper(strings.TrimSpace(actionName))

	actionID, ok := p.resolveActionID(actionKey, verification.Message.Action)
	if !ok {
		return p.reject(actionKey, "no action id mapping and no server-provided id")
	}

	auth, err := parseAuthorization(actionID, verification)
	if err != nil {
		p.lggr.Debugw("authorization failed cheap validation",
			"action", actionKey, "err", err)

		return p.reject(actionKey, err.Error())
	}

	p.transition(actionKey, StateValidateOwnership)
	if err := p.ownership.Validate(ctx, true); err != nil {
		p.lggr.Errorw("multisig ownership validation failed",
			"action", actionKey, "err", err)

		return p.reject(actionKey, err.Error())
	}

	p.transition(actionKey, StateValidateSignature)
	if err := p.verifier.Verify(ctx, auth.actionID, auth.nonce, auth.timestamp, auth.sig, auth.suppliedHash); err != nil {
		p.lggr.Errorw("authority signature verification failed",
			"action", actionKey, "actionId", auth.actionID, "err", err)

		return p.reject(actionKey, err.Error())
	}

	p.transition(actionKey, StateBuildCalldata)
	callData, err := p.repo.PackRecordAction(
		auth.actionID, auth.nonce, auth.timestamp,
		uint8(auth.sig.V), auth.sig.R, auth.sig.S,
	)
	if err != nil {
		p.lggr.Errorw("failed to encode recordAction calldata",
			"action", actionKey, "err", err)

		return p.reject(actionKey, err.Error())
	}

	p.lggr.Infow("recordAction queued",
		"action", actionKey, "actionId", auth.actionID)

	call := safeexec.WalletCall{
		To:   p.repo.Address,
		Data: callData,
		OnStage: func(stage safeexec.Stage) {
			p.transition(actionKey, State(stage))
		},
	}

	for attempt := 1; attempt <= MaxAttempts; attempt++ {
		p.transition(actionKey, StateSubmit)

		txHash, err := p.executor.Execute(ctx, call)
		switch {
		case err == nil:
			p.lggr.Infow("recordAction submitted",
				"action", actionKey, "actionId", auth.actionID, "tx", txHash.Hex())
			p.transition(actionKey, StateDone)

			return Outcome{Kind: OutcomeSubmitted, TxHash: txHash}

		case errors.Is(err, safeexec.ErrDryRun):
			p.transition(actionKey, StateDone)

			return Outcome{Kind: OutcomeDryRun}

		case safeexec.IsRetryable(err):
			p.lggr.Infow("transient nonce conflict, retrying submission",
				"action", actionKey, "attempt", attempt, "maxAttempts", MaxAttempts, "err", err)
			p.transition(actionKey, StateRetry)

			if attempt < MaxAttempts {
				select {
				case <-ctx.Done():
					return p.reject(actionKey, ctx.Err().Error())
				case <-time.After(p.retryDelay):
				}
			}

		default:
			p.lggr.Errorw("recordAction submission failed",
				"action", actionKey, "actionId", auth.actionID, "attempt", attempt, "err", err)

			return p.reject(actionKey, err.Error())
		}
	}

	p.lggr.Errorw("recordAction retry budget exhausted",
		"action", actionKey, "actionId", auth.actionID, "attempts", MaxAttempts)
	p.transition(actionKey, StateRejected)

	return Outcome{Kind: OutcomeRetryExhausted}
}

// resolveActionID prefers the local table and falls back to the server's
// numeric id. Unknown actions are logged once per process.
func (p *Pipeline) resolveActionID(actionKey string, serverID FlexInt) (uint8, bool) {
	if id, ok := p.actionIDs[actionKey]; ok {
		return id, true
	}
	if serverID > 0 && serverID <= 255 {
		p.lggr.Debugw("using server-provided action id",
			"action", actionKey, "actionId", int64(serverID))

		return uint8(serverID), true
	}

	if actionKey != "" {
		p.mu.Lock()
		_, seen := p.unknownActions[actionKey]
		if !seen {
			p.unknownActions[actionKey] = struct{}{}
		}
		p.mu.Unlock()
		if !seen {
			p.lggr.Debugw("no action id mapping defined", "action", actionKey)
		}
	}

	return 0, false
}

func (p *Pipeline) reject(actionKey, reason string) Outcome {
	p.transition(actionKey, StateRejected)

	return Outcome{Kind: OutcomeRejected, Reason: reason}
}

func (p *Pipeline) transition(actionName string, state State) {
	if p.observer != nil {
		p.observer.Transition(actionName, state)
	}
}
