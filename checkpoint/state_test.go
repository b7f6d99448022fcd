package checkpoint

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/valory-xyz/pettai-agent-sub000/pkg/logger"
)

func TestStore_LoadMissingFile(t *testing.T) {
	t.Parallel()

	store := NewStore(logger.Test(t), filepath.Join(t.TempDir(), "missing.json"))
	assert.Equal(t, State{}, store.Load())
}

func TestStore_LoadCorruptFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "checkpoint.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	store := NewStore(logger.Test(t), path)
	assert.Equal(t, State{}, store.Load())
}

func TestStore_SaveLoadRoundTrip(t *testing.T) {
	t.Parallel()

	// The parent directory does not exist yet; Save creates it.
	path := filepath.Join(t.TempDir(), "state", "checkpoint.json")
	store := NewStore(logger.Test(t), path)

	want := State{
		LastCheckpointTS: 1_000_000,
		LastCheckedAt:    1_004_000,
		LastSubmittedAt:  1_004_000,
		LastTxHash:       "0xef00000000000000000000000000000000000000000000000000000000000000",
	}
	store.Save(want)

	assert.Equal(t, want, NewStore(logger.Test(t), path).Load())
}
