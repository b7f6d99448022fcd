package sigverify

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/valory-xyz/pettai-agent-sub000/chain/evm"
	"github.com/valory-xyz/pettai-agent-sub000/contracts"
	"github.com/valory-xyz/pettai-agent-sub000/pkg/logger"
)

// OwnerRefreshInterval bounds how long a cached owner snapshot is trusted.
const OwnerRefreshInterval = 5 * time.Minute

var (
	// ErrThresholdUnsupported means the wallet requires more than one
	// signature; single-signature submission above threshold 1 is
	// categorically unsafe and always refused.
	ErrThresholdUnsupported = errors.New("wallet threshold above 1 is unsupported")
	// ErrNotOwner means the agent EOA is not in the wallet's owner set; an
	// execTransaction it signs would revert (GS026).
	ErrNotOwner = errors.New("agent EOA is not a wallet owner")
)

// OwnershipValidator re-validates the wallet's owner set and threshold before
// every submission, with a bounded-staleness cache.
type OwnershipValidator struct {
	lggr    logger.Logger
	client  evm.OnchainClient
	safe    contracts.Safe
	account common.Address

	refreshInterval time.Duration

	mu        sync.Mutex
	owners    map[common.Address]struct{}
	threshold uint64
	hasSnap   bool
	lastCheck time.Time
}

// NewOwnershipValidator returns a validator for account against safe.
func NewOwnershipValidator(lggr logger.Logger, client evm.OnchainClient, safe contracts.Safe, account common.Address) *OwnershipValidator {
	return &OwnershipValidator{
		lggr:            lggr,
		client:          client,
		safe:            safe,
		account:         account,
		refreshInterval: OwnerRefreshInterval,
	}
}

// Validate returns nil when the wallet's threshold is 1 and the agent EOA is
// a current owner. force bypasses the refresh-interval cache. Owner-set or
// threshold changes between refreshes are logged as warnings.
func (o *OwnershipValidator) Validate(ctx context.Context, force bool) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !force && o.hasSnap && time.Since(o.lastCheck) < o.refreshInterval {
		return o.checkSnapshotLocked()
	}

	owners, err := o.safe.Owners(ctx, o.client)
	if err != nil {
		o.lggr.Warnw("failed to refresh wallet owners", "err", err)
		if !o.hasSnap {
			return fmt.Errorf("failed to fetch wallet owners: %w", err)
		}
		// Fall back to the cached snapshot rather than blocking on a
		// transient read failure.
		return o.checkSnapshotLocked()
	}

	threshold := o.threshold
	if t, terr := o.safe.Threshold(ctx, o.client); terr != nil {
		o.lggr.Warnw("failed to refresh wallet threshold", "err", terr)
	} else {
		threshold = t.Uint64()
	}

	ownerSet := make(map[common.Address]struct{}, len(owners))
	for _, owner := range owners {
		ownerSet[owner] = struct{}{}
	}

	if o.hasSnap {
		o.logDiffLocked(ownerSet, threshold)
	} else {
		o.lggr.Infow("wallet owner snapshot",
			"owners", formatOwners(ownerSet), "threshold", threshold)
	}

	o.owners = ownerSet
	o.threshold = threshold
	o.hasSnap = true
	o.lastCheck = time.Now()

	return o.checkSnapshotLocked()
}

func (o *OwnershipValidator) checkSnapshotLocked() error {
	if o.threshold > 1 {
		o.lggr.Errorw("wallet threshold requires more signatures than the agent provides",
			"threshold", o.threshold)

		return fmt.Errorf("%w: threshold is %d", ErrThresholdUnsupported, o.threshold)
	}
	if _, ok := o.owners[o.account]; !ok {
		o.lggr.Errorw("agent EOA is not an owner of the wallet; execTransaction would revert",
			"account", o.account.Hex())

		return fmt.Errorf("%w: %s", ErrNotOwner, o.account.Hex())
	}

	return nil
}

func (o *OwnershipValidator) logDiffLocked(ownerSet map[common.Address]struct{}, threshold uint64) {
	var added, removed []string
	for owner := range ownerSet {
		if _, ok := o.owners[owner]; !ok {
			added = append(added, owner.Hex())
		}
	}
	for owner := range o.owners {
		if _, ok := ownerSet[owner]; !ok {
			removed = append(removed, owner.Hex())
		}
	}
	if len(added) > 0 || len(removed) > 0 {
		sort.Strings(added)
		sort.Strings(removed)
		o.lggr.Warnw("wallet owner set changed between checks",
			"added", added, "removed", removed)
	}
	if threshold != o.threshold {
		o.lggr.Warnw("wallet threshold changed between checks",
			"previous", o.threshold, "current", threshold)
	}
}

func formatOwners(ownerSet map[common.Address]struct{}) []string {
	owners := make([]string, 0, len(ownerSet))
	for owner := range ownerSet {
		owners = append(owners, owner.Hex())
	}
	sort.Strings(owners)

	return owners
}
