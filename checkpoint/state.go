package checkpoint

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/valory-xyz/pettai-agent-sub000/pkg/logger"
)

// State is the persisted checkpoint history. Zero values mean "never".
type State struct {
	LastCheckpointTS uint64 `json:"last_checkpoint_ts"`
	LastCheckedAt    uint64 `json:"last_checked_at"`
	LastSubmittedAt  uint64 `json:"last_submitted_at,omitempty"`
	LastTxHash       string `json:"last_tx_hash,omitempty"`
}

// Store persists State to a single JSON file, rewritten whole on every save.
// Persistence is best effort: a failed read or write is logged and the
// scheduler continues on in-memory state.
type Store struct {
	lggr logger.Logger
	path string
}

// NewStore returns a Store writing to path. An empty path disables
// persistence entirely.
func NewStore(lggr logger.Logger, path string) *Store {
	return &Store{lggr: lggr, path: path}
}

// Load reads the persisted state, returning the zero State when the file is
// missing or unreadable.
func (s *Store) Load() State {
	var state State
	if s.path == "" {
		return state
	}

	raw, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.lggr.Debugw("failed to load checkpoint state", "path", s.path, "err", err)
		}

		return state
	}
	if err := json.Unmarshal(raw, &state); err != nil {
		s.lggr.Debugw("malformed checkpoint state ignored", "path", s.path, "err", err)

		return State{}
	}

	return state
}

// Save overwrites the state file, creating parent directories as needed.
func (s *Store) Save(state State) {
	if s.path == "" {
		return
	}

	raw, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		s.lggr.Debugw("failed to encode checkpoint state", "err", err)

		return
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		s.lggr.Debugw("failed to create checkpoint state directory", "path", s.path, "err", err)

		return
	}
	if err := os.WriteFile(s.path, raw, 0o644); err != nil {
		s.lggr.Debugw("failed to persist checkpoint state", "path", s.path, "err", err)
	}
}
