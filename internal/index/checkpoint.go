package index

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Checkpoint records progress through the embedding stage of a build, the
// only stage of spec 4.4 expensive enough to warrant resuming instead of
// restarting (spec supplemented features). Grounded on the teacher's
// IndexCheckpoint persisted mid-embedding in the former index/runner.go.
type Checkpoint struct {
	ModelName      string    `json:"modelName"`
	BatchIndex     int       `json:"batchIndex"`
	TotalBatches   int       `json:"totalBatches"`
	SavedAt        time.Time `json:"savedAt"`
}

const checkpointFileName = "embed_checkpoint.json"

// CheckpointPath is the path embed_checkpoint.json lives at inside a project's
// data directory.
func CheckpointPath(dataDir string) string {
	return filepath.Join(dataDir, checkpointFileName)
}

// SaveCheckpoint persists progress after a completed embedding batch.
func SaveCheckpoint(dataDir string, cp *Checkpoint) error {
	cp.SavedAt = time.Now()
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	tmp := CheckpointPath(dataDir) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	return os.Rename(tmp, CheckpointPath(dataDir))
}

// LoadCheckpoint reads a prior checkpoint, if any. A checkpoint for a
// different embedding model is discarded: resuming across model changes
// would mix incompatible vector spaces (spec 7, StoreFatal class).
func LoadCheckpoint(dataDir, modelName string) (*Checkpoint, error) {
	data, err := os.ReadFile(CheckpointPath(dataDir))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		// Corrupt checkpoint: treat as absent, embedding restarts from zero.
		return nil, nil
	}
	if cp.ModelName != modelName {
		return nil, nil
	}
	return &cp, nil
}

// ClearCheckpoint removes a checkpoint once its build completes.
func ClearCheckpoint(dataDir string) error {
	err := os.Remove(CheckpointPath(dataDir))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove checkpoint: %w", err)
	}
	return nil
}
