// Package nonces serializes transaction nonce allocation for each account
// across every submitter in the process. Two components share the agent EOA
// (the action pipeline and the checkpoint scheduler); a single per-account
// lock held across the fetch-sign-broadcast critical section is the defense
// against double-spending a nonce.
package nonces

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/valory-xyz/pettai-agent-sub000/chain/evm"
	"github.com/valory-xyz/pettai-agent-sub000/pkg/logger"
)

// RetryDelay is the pause before re-attempting after a nonce conflict, giving
// pending transactions time to propagate.
const RetryDelay = 750 * time.Millisecond

// Coordinator owns the per-account nonce locks and caches. It must be shared
// by reference between every submitter of the same account; constructing two
// coordinators for one account defeats the serialization.
type Coordinator struct {
	lggr   logger.Logger
	client evm.OnchainClient

	mu       sync.Mutex
	accounts map[common.Address]*accountState
}

type accountState struct {
	lock sync.Mutex

	mu     sync.Mutex
	cached uint64
	valid  bool
}

// NewCoordinator returns a Coordinator reading chain state through client.
func NewCoordinator(lggr logger.Logger, client evm.OnchainClient) *Coordinator {
	return &Coordinator{
		lggr:     lggr,
		client:   client,
		accounts: make(map[common.Address]*accountState),
	}
}

func (c *Coordinator) state(account common.Address) *accountState {
	c.mu.Lock()
	defer c.mu.Unlock()

	st, ok := c.accounts[account]
	if !ok {
		st = &accountState{}
		c.accounts[account] = st
	}

	return st
}

// Acquire takes the account's submission lock and returns the release
// function. The lock must be held for the whole fetch-sign-broadcast section.
func (c *Coordinator) Acquire(account common.Address) func() {
	st := c.state(account)
	st.lock.Lock()

	return st.lock.Unlock
}

// Next returns the nonce to use for the account's next transaction. The first
// call fetches the chain's pending view; afterwards the cached value is
// served until NoteSent or Invalidate moves it. The caller must hold the
// account lock.
func (c *Coordinator) Next(ctx context.Context, account common.Address) (uint64, error) {
	st := c.state(account)

	st.mu.Lock()
	defer st.mu.Unlock()

	if st.valid {
		return st.cached, nil
	}

	pending, err := c.client.PendingNonceAt(ctx, account)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch pending nonce for %s: %w", account.Hex(), err)
	}
	st.cached = pending
	st.valid = true

	return pending, nil
}

// Refresh re-reads the chain's pending nonce immediately before signing. When
// the chain has advanced past current, the cache is bumped and the second
// return value is true: the caller must abandon the attempt and retry from
// the top instead of signing a doomed transaction.
func (c *Coordinator) Refresh(ctx context.Context, account common.Address, current uint64) (uint64, bool, error) {
	pending, err := c.client.PendingNonceAt(ctx, account)
	if err != nil {
		return current, false, fmt.Errorf("failed to refresh pending nonce for %s: %w", account.Hex(), err)
	}

	if pending > current {
		c.lggr.Infow("pending nonce advanced during construction, retrying",
			"account", account.Hex(), "local", current, "pending", pending)
		c.set(account, pending)

		return pending, true, nil
	}
	if pending < current {
		c.lggr.Debugw("chain reports lower nonce than local, keeping bumped nonce",
			"account", account.Hex(), "local", current, "pending", pending)
	}

	return current, false, nil
}

// NoteSent records that usedNonce was consumed by a broadcast transaction and
// advances the cache optimistically.
func (c *Coordinator) NoteSent(account common.Address, usedNonce uint64) {
	c.set(account, usedNonce+1)
}

// Invalidate clears the cached nonce so the next allocation re-derives it
// from chain state. Called on any transient provider error whose effect on
// the pending view is unknown.
func (c *Coordinator) Invalidate(account common.Address) {
	st := c.state(account)

	st.mu.Lock()
	defer st.mu.Unlock()
	st.valid = false
}

func (c *Coordinator) set(account common.Address, nonce uint64) {
	st := c.state(account)

	st.mu.Lock()
	defer st.mu.Unlock()
	st.cached = nonce
	st.valid = true
}

// RecoverSendError inspects a broadcast error and adjusts the nonce cache.
// It returns true when the error is a nonce conflict the caller should retry
// after RetryDelay. For other transient errors the cache is invalidated and
// false is returned; the caller surfaces the error.
func (c *Coordinator) RecoverSendError(ctx context.Context, account common.Address, attempted uint64, sendErr error) bool {
	if sendErr == nil {
		return false
	}
	message := sendErr.Error()
	lowered := strings.ToLower(message)

	if strings.Contains(lowered, "nonce too low") {
		next := c.nextAfterTooLow(ctx, account, attempted, message)
		c.lggr.Infow("nonce too low, bumping and retrying",
			"account", account.Hex(), "attempted", attempted, "next", next)
		c.set(account, next)

		return true
	}

	if strings.Contains(lowered, "replacement transaction underpriced") {
		c.lggr.Debugw("replacement transaction underpriced, clearing cached nonce",
			"account", account.Hex(), "attempted", attempted)
	} else {
		c.lggr.Warnw("RPC error during submission, clearing cached nonce",
			"account", account.Hex(), "attempted", attempted, "err", message)
	}
	c.Invalidate(account)

	return false
}

// nextAfterTooLow picks the replacement nonce: the provider's hint when the
// error text carries one, otherwise the chain's pending view, always at least
// one past the nonce that was just rejected.
func (c *Coordinator) nextAfterTooLow(ctx context.Context, account common.Address, attempted uint64, message string) uint64 {
	candidate, ok := ParseNextNonceHint(message)
	if !ok {
		pending, err := c.client.PendingNonceAt(ctx, account)
		if err != nil {
			c.lggr.Debugw("failed to fetch pending nonce after nonce-too-low",
				"account", account.Hex(), "err", err)

			return attempted + 1
		}
		candidate = pending
	}

	if candidate < attempted+1 {
		return attempted + 1
	}

	return candidate
}

// Provider error texts differ between geth-alikes; these cover the common
// "nonce too low: next nonce 42", "expected nonce 42" and "expected: 42"
// shapes.
var nonceHintPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)next\s*nonce[^0-9]*(\d+)`),
	regexp.MustCompile(`(?i)expected(?:\s*nonce)?[^0-9]*(\d+)`),
	regexp.MustCompile(`(?i)expected\s*:\s*(\d+)`),
}

// ParseNextNonceHint extracts the provider-suggested next nonce from an error
// message, if present.
func ParseNextNonceHint(message string) (uint64, bool) {
	for _, pattern := range nonceHintPatterns {
		m := pattern.FindStringSubmatch(message)
		if m == nil {
			continue
		}
		value, err := strconv.ParseUint(m[1], 10, 64)
		if err != nil {
			continue
		}

		return value, true
	}

	return 0, false
}
