package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ploy-markets/ploy/pkg/types"
)

// Checkpoint is an in-memory snapshot of every agent's local position view,
// taken periodically so a restart doesn't have to rebuild state purely
// from a cold reconciliation pass against the venue.
type Checkpoint struct {
	TakenAt   time.Time                  `json:"taken_at"`
	Positions map[string]types.Position  `json:"positions"` // tokenID -> position
}

// CheckpointStore persists Checkpoints to a JSON file using atomic
// write-then-rename, a direct port of the teacher's internal/store/store.go
// SavePosition/LoadPosition pair — the only difference is the payload
// shape (one checkpoint file instead of one file per market).
type CheckpointStore struct {
	dir string
	mu  sync.Mutex
}

func OpenCheckpointStore(dir string) (*CheckpointStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create checkpoint dir: %w", err)
	}
	return &CheckpointStore{dir: dir}, nil
}

func (c *CheckpointStore) path() string {
	return filepath.Join(c.dir, "checkpoint.json")
}

// Save atomically persists a checkpoint.
func (c *CheckpointStore) Save(cp Checkpoint) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	path := c.path()
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	return os.Rename(tmp, path)
}

// Load restores the last checkpoint. Returns a zero-value Checkpoint with
// ok=false if none exists yet.
func (c *CheckpointStore) Load() (cp Checkpoint, ok bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := os.ReadFile(c.path())
	if err != nil {
		if os.IsNotExist(err) {
			return Checkpoint{}, false, nil
		}
		return Checkpoint{}, false, fmt.Errorf("read checkpoint: %w", err)
	}

	if err := json.Unmarshal(data, &cp); err != nil {
		return Checkpoint{}, false, fmt.Errorf("unmarshal checkpoint: %w", err)
	}
	return cp, true, nil
}
