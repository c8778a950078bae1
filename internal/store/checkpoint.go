package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang/snappy"
)

// Checkpoint marks ingestion progress for one source: records consumed per
// landing file, plus the last committed batch. Each stage owns its
// checkpoint exclusively.
type Checkpoint struct {
	Files       map[string]int `json:"files"` // file name -> records consumed
	LastBatchID string         `json:"last_batch_id"`
	LastRun     time.Time      `json:"last_run"`
}

func NewCheckpoint() Checkpoint {
	return Checkpoint{Files: make(map[string]int)}
}

// Clone returns an independent copy, used to stage a cursor that is only
// committed after the batch's sinks succeed.
func (c Checkpoint) Clone() Checkpoint {
	out := Checkpoint{Files: make(map[string]int, len(c.Files)), LastBatchID: c.LastBatchID, LastRun: c.LastRun}
	for k, v := range c.Files {
		out.Files[k] = v
	}
	return out
}

func compressedPath(path string) bool {
	return strings.HasSuffix(path, ".sz")
}

// LoadCheckpoint reads the checkpoint at path. A missing file yields a
// fresh checkpoint. Paths ending in .sz are snappy-compressed.
func LoadCheckpoint(path string) (Checkpoint, error) {
	b, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return NewCheckpoint(), nil
	}
	if err != nil {
		return Checkpoint{}, fmt.Errorf("load checkpoint %s: %w", path, err)
	}
	if compressedPath(path) {
		if b, err = snappy.Decode(nil, b); err != nil {
			return Checkpoint{}, fmt.Errorf("decompress checkpoint %s: %w", path, err)
		}
	}
	var c Checkpoint
	if err := json.Unmarshal(b, &c); err != nil {
		return Checkpoint{}, fmt.Errorf("parse checkpoint %s: %w", path, err)
	}
	if c.Files == nil {
		c.Files = make(map[string]int)
	}
	return c, nil
}

// SaveCheckpoint persists atomically via temp file + rename, so a crash
// mid-write never leaves a torn checkpoint.
func SaveCheckpoint(path string, c Checkpoint) error {
	b, err := json.MarshalIndent(c, "", " ")
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	if compressedPath(path) {
		b = snappy.Encode(nil, b)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("checkpoint dir: %w", err)
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0644); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("commit checkpoint: %w", err)
	}
	return nil
}
