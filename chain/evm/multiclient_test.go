package evm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/valory-xyz/pettai-agent-sub000/pkg/logger"
)

func TestNewMultiClient_RequiresRPCs(t *testing.T) {
	t.Parallel()

	_, err := NewMultiClient(logger.Test(t), "gnosis", nil)
	require.ErrorContains(t, err, "no RPCs provided")
}

func TestDialWithRetry_RequiresURL(t *testing.T) {
	t.Parallel()

	mc := &MultiClient{lggr: logger.Test(t), chainName: "gnosis"}
	mc.RetryConfig = defaultRetryConfig()

	_, err := mc.dialWithRetry(RPC{Name: "primary"})
	require.ErrorContains(t, err, "has no URL")
}

func TestEnsureTimeout(t *testing.T) {
	t.Parallel()

	t.Run("adds timeout when parent has none", func(t *testing.T) {
		t.Parallel()

		ctx, cancel := ensureTimeout(context.Background(), time.Minute)
		defer cancel()

		deadline, ok := ctx.Deadline()
		require.True(t, ok)
		assert.WithinDuration(t, time.Now().Add(time.Minute), deadline, 5*time.Second)
	})

	t.Run("keeps parent deadline", func(t *testing.T) {
		t.Parallel()

		parent, parentCancel := context.WithTimeout(context.Background(), time.Second)
		defer parentCancel()

		ctx, cancel := ensureTimeout(parent, time.Minute)
		defer cancel()

		parentDeadline, _ := parent.Deadline()
		deadline, ok := ctx.Deadline()
		require.True(t, ok)
		assert.Equal(t, parentDeadline, deadline)
	})
}

func TestIsTransportError(t *testing.T) {
	t.Parallel()

	assert.True(t, isTransportError(errors.New("connection refused")))
	assert.True(t, isTransportError(context.DeadlineExceeded))
	assert.False(t, isTransportError(rpcError{msg: "nonce too low", code: -32000}))
}

// rpcError satisfies geth's rpc.Error interface.
type rpcError struct {
	msg  string
	code int
}

func (e rpcError) Error() string  { return e.msg }
func (e rpcError) ErrorCode() int { return e.code }

func TestRevertReason(t *testing.T) {
	t.Parallel()

	assert.Empty(t, RevertReason(nil))

	plain := errors.New("execution reverted")
	assert.Equal(t, "execution reverted", RevertReason(plain))

	assert.Equal(t, "0x08c379a0", RevertReason(dataError{
		msg:  "execution reverted",
		data: "0x08c379a0",
	}))
}

// dataError satisfies geth's rpc.DataError interface.
type dataError struct {
	msg  string
	data any
}

func (e dataError) Error() string  { return e.msg }
func (e dataError) ErrorData() any { return e.data }
func (e dataError) ErrorCode() int { return -32000 }
