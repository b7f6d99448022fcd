// Package checkpoint drives the staking contract's checkpoint call whenever
// the liveness period has elapsed. It shares the nonce coordinator and fee
// policy with the action pipeline through the multisig executor, but is
// otherwise independent and purely time-driven.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/valory-xyz/pettai-agent-sub000/chain/evm"
	"github.com/valory-xyz/pettai-agent-sub000/contracts"
	"github.com/valory-xyz/pettai-agent-sub000/pkg/logger"
	"github.com/valory-xyz/pettai-agent-sub000/safeexec"
)

const (
	// DefaultLivenessPeriod is the hard-coded fallback when neither the
	// contract nor configuration provides one.
	DefaultLivenessPeriod = 24 * time.Hour

	// SubmissionCooldown suppresses resubmission while a prior checkpoint
	// transaction may still be propagating. The effective cooldown is
	// min(SubmissionCooldown, liveness/2) with a 30s floor.
	SubmissionCooldown    = 10 * time.Minute
	MinSubmissionCooldown = 30 * time.Second

	// Submission retry budget for transient nonce conflicts.
	submitMaxAttempts = 3
	submitRetryDelay  = 250 * time.Millisecond
)

// Config tunes the scheduler.
type Config struct {
	// LivenessPeriod overrides the contract's liveness period when the
	// contract read fails. Zero means unset.
	LivenessPeriod time.Duration
}

// Scheduler evaluates and submits staking checkpoints. MaybeSubmit is safe
// for concurrent use; overlapping invocations are collapsed to one.
type Scheduler struct {
	lggr     logger.Logger
	client   evm.OnchainClient
	staking  contracts.StakingProxy
	executor *safeexec.Executor
	store    *Store
	cfg      Config

	// now is replaceable in tests.
	now func() time.Time

	inFlight sync.Mutex

	mu             sync.Mutex
	state          State
	cachedLiveness uint64
	warnedLiveness bool
}

// New returns a Scheduler. Previously persisted state is loaded eagerly so a
// restart keeps the cooldown window intact.
func New(
	lggr logger.Logger,
	client evm.OnchainClient,
	staking contracts.StakingProxy,
	executor *safeexec.Executor,
	store *Store,
	cfg Config,
) *Scheduler {
	return &Scheduler{
		lggr:     lggr,
		client:   client,
		staking:  staking,
		executor: executor,
		store:    store,
		cfg:      cfg,
		now:      time.Now,
		state:    store.Load(),
	}
}

// MaybeSubmit evaluates whether a checkpoint is due and submits one when it
// is. It returns the transaction hash and true after a broadcast; false with
// a nil error when nothing was due or another evaluation is already running.
// force bypasses the liveness and cooldown checks but not the epoch-end gate.
// When the last on-chain checkpoint timestamp cannot be established at all,
// the evaluation aborts with an error rather than submit blind.
func (s *Scheduler) MaybeSubmit(ctx context.Context, force bool) (common.Hash, bool, error) {
	if !s.inFlight.TryLock() {
		s.lggr.Infow("skipping checkpoint evaluation, another call in progress", "force", force)

		return common.Hash{}, false, nil
	}
	defer s.inFlight.Unlock()

	lastOnchain, err := s.lastCheckpointOnchain(ctx)
	if err != nil {
		s.lggr.Errorw("aborting checkpoint evaluation, last checkpoint timestamp unknown",
			"force", force, "err", err)

		return common.Hash{}, false, err
	}
	nowTS := s.currentTimestamp(ctx)
	liveness := s.livenessPeriod(ctx)
	nextEpochEnd := s.nextEpochEnd(ctx)

	shouldExecute := force
	var skipReason string

	if !shouldExecute {
		switch {
		case s.withinCooldown(nowTS, liveness):
			skipReason = "recent submission still pending"
		case nowTS > lastOnchain && nowTS-lastOnchain > liveness:
			shouldExecute = true
		default:
			remaining := lastOnchain + liveness - nowTS
			skipReason = fmt.Sprintf("liveness period not reached yet (remaining %ds)", remaining)
		}
	}

	if shouldExecute && nextEpochEnd > 0 && nowTS < nextEpochEnd {
		skipReason = fmt.Sprintf("epoch end not reached yet (remaining %ds)", nextEpochEnd-nowTS)
		shouldExecute = false
	}

	s.recordState(lastOnchain, nowTS, 0, "")

	if !shouldExecute {
		if skipReason == "" {
			skipReason = "execution conditions not met"
		}
		s.lggr.Infow("skipping staking checkpoint", "force", force, "reason", skipReason)

		return common.Hash{}, false, nil
	}

	txHash, submitted, err := s.submit(ctx)
	if err != nil || !submitted {
		return common.Hash{}, false, err
	}

	s.lggr.Infow("staking checkpoint transaction submitted",
		"force", force, "tx", txHash.Hex())
	s.recordState(lastOnchain, nowTS, nowTS, txHash.Hex())

	return txHash, true, nil
}

// submit routes the checkpoint call through the multisig executor with a
// small retry budget for transient nonce conflicts.
func (s *Scheduler) submit(ctx context.Context) (common.Hash, bool, error) {
	callData, err := s.staking.PackCheckpoint()
	if err != nil {
		return common.Hash{}, false, fmt.Errorf("failed to encode checkpoint calldata: %w", err)
	}
	call := safeexec.WalletCall{
		To:   s.staking.Address,
		Data: callData,
	}

	for attempt := 1; attempt <= submitMaxAttempts; attempt++ {
		txHash, err := s.executor.Execute(ctx, call)
		switch {
		case err == nil:
			return txHash, true, nil
		case errors.Is(err, safeexec.ErrDryRun):
			return common.Hash{}, false, nil
		case safeexec.IsRetryable(err) && attempt < submitMaxAttempts:
			s.lggr.Infow("transient nonce conflict on checkpoint submission, retrying",
				"attempt", attempt, "err", err)
			select {
			case <-ctx.Done():
				return common.Hash{}, false, ctx.Err()
			case <-time.After(submitRetryDelay):
			}
		default:
			return common.Hash{}, false, err
		}
	}

	return common.Hash{}, false, fmt.Errorf("checkpoint submission failed after %d attempts", submitMaxAttempts)
}

// withinCooldown reports whether the last submission is still inside the
// effective cooldown window.
func (s *Scheduler) withinCooldown(nowTS, liveness uint64) bool {
	s.mu.Lock()
	lastSubmitted := s.state.LastSubmittedAt
	s.mu.Unlock()

	if lastSubmitted == 0 {
		return false
	}
	// The fallback wall clock can sit behind a block-derived submission
	// timestamp; unsigned subtraction would underflow.
	if nowTS <= lastSubmitted {
		return true
	}

	cooldown := uint64(SubmissionCooldown / time.Second)
	if liveness > 0 {
		half := liveness / 2
		floor := uint64(MinSubmissionCooldown / time.Second)
		if half < floor {
			half = floor
		}
		if half < cooldown {
			cooldown = half
		}
	}

	return nowTS-lastSubmitted < cooldown
}

// lastCheckpointOnchain reads tsCheckpoint, falling back to the last known
// value when the read fails. With no prior value the evaluation cannot tell
// whether a checkpoint is due, so the read error is surfaced instead.
func (s *Scheduler) lastCheckpointOnchain(ctx context.Context) (uint64, error) {
	ts, err := s.staking.TsCheckpoint(ctx, s.client)
	if err != nil {
		s.mu.Lock()
		cached := s.state.LastCheckpointTS
		s.mu.Unlock()
		if cached == 0 {
			return 0, fmt.Errorf("failed to read tsCheckpoint with no prior value to fall back on: %w", err)
		}
		s.lggr.Debugw("failed to read tsCheckpoint, using last known value",
			"lastKnown", cached, "err", err)

		return cached, nil
	}

	return ts, nil
}

// currentTimestamp uses the latest block timestamp so the comparison shares
// the contract's clock; wall time is the fallback.
func (s *Scheduler) currentTimestamp(ctx context.Context) uint64 {
	header, err := s.client.HeaderByNumber(ctx, nil)
	if err != nil || header == nil {
		s.lggr.Debugw("failed to fetch latest block timestamp, falling back to system time", "err", err)

		return uint64(s.now().Unix())
	}

	return header.Time
}

// livenessPeriod resolves contract, then configuration, then the hard-coded
// default, caching the first successful answer.
func (s *Scheduler) livenessPeriod(ctx context.Context) uint64 {
	s.mu.Lock()
	cached := s.cachedLiveness
	s.mu.Unlock()
	if cached > 0 {
		return cached
	}

	if value, err := s.staking.LivenessPeriod(ctx, s.client); err != nil {
		s.lggr.Debugw("failed to fetch livenessPeriod from staking contract", "err", err)
	} else if value > 0 {
		s.mu.Lock()
		s.cachedLiveness = value
		s.mu.Unlock()

		return value
	}

	if s.cfg.LivenessPeriod > 0 {
		value := uint64(s.cfg.LivenessPeriod / time.Second)
		s.mu.Lock()
		s.cachedLiveness = value
		s.mu.Unlock()

		return value
	}

	fallback := uint64(DefaultLivenessPeriod / time.Second)
	s.mu.Lock()
	warned := s.warnedLiveness
	s.warnedLiveness = true
	s.cachedLiveness = fallback
	s.mu.Unlock()
	if !warned {
		s.lggr.Warnw("liveness period unavailable, using default", "seconds", fallback)
	}

	return fallback
}

func (s *Scheduler) nextEpochEnd(ctx context.Context) uint64 {
	ts, err := s.staking.NextRewardCheckpointTimestamp(ctx, s.client)
	if err != nil {
		s.lggr.Debugw("failed to fetch next reward checkpoint timestamp", "err", err)

		return 0
	}

	return ts
}

// recordState updates the in-memory mirror and persists it. submittedAt and
// txHash are only applied when non-zero so evaluation-only saves keep the
// previous submission history.
func (s *Scheduler) recordState(lastCheckpointTS, checkedAt, submittedAt uint64, txHash string) {
	s.mu.Lock()
	s.state.LastCheckpointTS = lastCheckpointTS
	s.state.LastCheckedAt = checkedAt
	if submittedAt > 0 {
		s.state.LastSubmittedAt = submittedAt
	}
	if txHash != "" {
		s.state.LastTxHash = txHash
	}
	snapshot := s.state
	s.mu.Unlock()

	s.store.Save(snapshot)
}
