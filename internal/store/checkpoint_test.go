package store

import (
	"path/filepath"
	"testing"
	"time"
)

func TestCheckpointRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "users-checkpoint.json")

	c := NewCheckpoint()
	c.Files["users-0001.csv"] = 42
	c.LastBatchID = "b-1"
	c.LastRun = time.Date(2020, 3, 1, 0, 0, 0, 0, time.UTC)

	if err := SaveCheckpoint(path, c); err != nil {
		t.Fatal(err)
	}
	got, err := LoadCheckpoint(path)
	if err != nil {
		t.Fatal(err)
	}
	if got.Files["users-0001.csv"] != 42 || got.LastBatchID != "b-1" {
		t.Errorf("roundtrip mismatch: %+v", got)
	}
}

func TestCheckpointCompressed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "users-checkpoint.json.sz")

	c := NewCheckpoint()
	c.Files["f.csv"] = 7
	if err := SaveCheckpoint(path, c); err != nil {
		t.Fatal(err)
	}
	got, err := LoadCheckpoint(path)
	if err != nil {
		t.Fatal(err)
	}
	if got.Files["f.csv"] != 7 {
		t.Errorf("compressed roundtrip mismatch: %+v", got)
	}
}

func TestCheckpointMissingFileIsFresh(t *testing.T) {
	got, err := LoadCheckpoint(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Files) != 0 || got.LastBatchID != "" {
		t.Errorf("expected fresh checkpoint, got %+v", got)
	}
}

func TestCheckpointCloneIsIndependent(t *testing.T) {
	c := NewCheckpoint()
	c.Files["a.csv"] = 1

	staged := c.Clone()
	staged.Files["a.csv"] = 5
	staged.Files["b.csv"] = 2

	if c.Files["a.csv"] != 1 {
		t.Error("clone mutated the original")
	}
	if _, ok := c.Files["b.csv"]; ok {
		t.Error("clone shares the files map")
	}
}
