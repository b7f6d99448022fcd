package nonces

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/valory-xyz/pettai-agent-sub000/chain/evm/evmtest"
	"github.com/valory-xyz/pettai-agent-sub000/pkg/logger"
)

var testAccount = common.HexToAddress("0x1111111111111111111111111111111111111111")

func TestNext_InitializesFromPendingView(t *testing.T) {
	t.Parallel()

	client := evmtest.NewClient()
	client.PendingNonceAtFn = func(ctx context.Context, account common.Address) (uint64, error) {
		return 7, nil
	}
	c := NewCoordinator(logger.Test(t), client)

	nonce, err := c.Next(context.Background(), testAccount)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), nonce)

	// Subsequent allocations are served from cache.
	nonce, err = c.Next(context.Background(), testAccount)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), nonce)
	assert.Equal(t, 1, client.CallCount("PendingNonceAt"))
}

func TestNext_PendingFetchError(t *testing.T) {
	t.Parallel()

	client := evmtest.NewClient()
	client.PendingNonceAtFn = func(ctx context.Context, account common.Address) (uint64, error) {
		return 0, errors.New("rpc down")
	}
	c := NewCoordinator(logger.Test(t), client)

	_, err := c.Next(context.Background(), testAccount)
	require.Error(t, err)
}

func TestConcurrentAllocationsAreDistinctAndConsecutive(t *testing.T) {
	t.Parallel()

	client := evmtest.NewClient()
	client.PendingNonceAtFn = func(ctx context.Context, account common.Address) (uint64, error) {
		return 10, nil
	}
	c := NewCoordinator(logger.Test(t), client)

	const workers = 8
	results := make([]uint64, workers)
	var wg sync.WaitGroup
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()

			release := c.Acquire(testAccount)
			defer release()

			nonce, err := c.Next(context.Background(), testAccount)
			assert.NoError(t, err)
			results[i] = nonce
			c.NoteSent(testAccount, nonce)
		}()
	}
	wg.Wait()

	seen := make(map[uint64]bool, workers)
	for _, nonce := range results {
		assert.False(t, seen[nonce], "nonce %d handed out twice", nonce)
		seen[nonce] = true
	}
	for n := uint64(10); n < 10+workers; n++ {
		assert.True(t, seen[n], "nonce %d missing from allocations", n)
	}
}

func TestRefresh(t *testing.T) {
	t.Parallel()

	t.Run("pending advanced aborts the attempt", func(t *testing.T) {
		t.Parallel()

		client := evmtest.NewClient()
		client.PendingNonceAtFn = func(ctx context.Context, account common.Address) (uint64, error) {
			return 15, nil
		}
		c := NewCoordinator(logger.Test(t), client)

		nonce, moved, err := c.Refresh(context.Background(), testAccount, 12)
		require.NoError(t, err)
		assert.True(t, moved)
		assert.Equal(t, uint64(15), nonce)

		// The bumped value is now cached.
		next, err := c.Next(context.Background(), testAccount)
		require.NoError(t, err)
		assert.Equal(t, uint64(15), next)
	})

	t.Run("pending unchanged keeps the nonce", func(t *testing.T) {
		t.Parallel()

		client := evmtest.NewClient()
		client.PendingNonceAtFn = func(ctx context.Context, account common.Address) (uint64, error) {
			return 12, nil
		}
		c := NewCoordinator(logger.Test(t), client)

		nonce, moved, err := c.Refresh(context.Background(), testAccount, 12)
		require.NoError(t, err)
		assert.False(t, moved)
		assert.Equal(t, uint64(12), nonce)
	})

	t.Run("pending behind keeps the bumped nonce", func(t *testing.T) {
		t.Parallel()

		client := evmtest.NewClient()
		client.PendingNonceAtFn = func(ctx context.Context, account common.Address) (uint64, error) {
			return 9, nil
		}
		c := NewCoordinator(logger.Test(t), client)

		nonce, moved, err := c.Refresh(context.Background(), testAccount, 12)
		require.NoError(t, err)
		assert.False(t, moved)
		assert.Equal(t, uint64(12), nonce)
	})
}

func TestRecoverSendError(t *testing.T) {
	t.Parallel()

	t.Run("nonce too low with hint", func(t *testing.T) {
		t.Parallel()

		client := evmtest.NewClient()
		c := NewCoordinator(logger.Test(t), client)

		retry := c.RecoverSendError(context.Background(), testAccount, 40,
			errors.New("nonce too low: next nonce 42, tx nonce 40"))
		require.True(t, retry)

		next, err := c.Next(context.Background(), testAccount)
		require.NoError(t, err)
		assert.Equal(t, uint64(42), next)
		assert.Equal(t, 0, client.CallCount("PendingNonceAt"))
	})

	t.Run("hint below attempted is raised past it", func(t *testing.T) {
		t.Parallel()

		client := evmtest.NewClient()
		c := NewCoordinator(logger.Test(t), client)

		retry := c.RecoverSendError(context.Background(), testAccount, 45,
			errors.New("nonce too low: next nonce 42"))
		require.True(t, retry)

		next, err := c.Next(context.Background(), testAccount)
		require.NoError(t, err)
		assert.Equal(t, uint64(46), next)
	})

	t.Run("no hint falls back to pending view", func(t *testing.T) {
		t.Parallel()

		client := evmtest.NewClient()
		client.PendingNonceAtFn = func(ctx context.Context, account common.Address) (uint64, error) {
			return 50, nil
		}
		c := NewCoordinator(logger.Test(t), client)

		retry := c.RecoverSendError(context.Background(), testAccount, 40,
			errors.New("nonce too low"))
		require.True(t, retry)

		next, err := c.Next(context.Background(), testAccount)
		require.NoError(t, err)
		assert.Equal(t, uint64(50), next)
	})

	t.Run("replacement underpriced invalidates without retry", func(t *testing.T) {
		t.Parallel()

		client := evmtest.NewClient()
		client.PendingNonceAtFn = func(ctx context.Context, account common.Address) (uint64, error) {
			return 3, nil
		}
		c := NewCoordinator(logger.Test(t), client)
		c.NoteSent(testAccount, 8)

		retry := c.RecoverSendError(context.Background(), testAccount, 9,
			errors.New("replacement transaction underpriced"))
		require.False(t, retry)

		// Cache was cleared, so the next allocation re-reads the chain.
		next, err := c.Next(context.Background(), testAccount)
		require.NoError(t, err)
		assert.Equal(t, uint64(3), next)
	})

	t.Run("unknown error invalidates without retry", func(t *testing.T) {
		t.Parallel()

		client := evmtest.NewClient()
		c := NewCoordinator(logger.Test(t), client)

		retry := c.RecoverSendError(context.Background(), testAccount, 9,
			errors.New("insufficient funds for gas * price + value"))
		assert.False(t, retry)
	})
}

func TestParseNextNonceHint(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		message string
		want    uint64
		wantOK  bool
	}{
		{name: "next nonce", message: "nonce too low: next nonce 42", want: 42, wantOK: true},
		{name: "expected nonce", message: "invalid nonce; expected nonce 17", want: 17, wantOK: true},
		{name: "expected colon", message: "nonce too low (expected: 99, got: 12)", want: 99, wantOK: true},
		{name: "no hint", message: "nonce too low", wantOK: false},
		{name: "unrelated digits only", message: "connection reset by peer", wantOK: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, ok := ParseNextNonceHint(tt.message)
			require.Equal(t, tt.wantOK, ok)
			if tt.wantOK {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}
