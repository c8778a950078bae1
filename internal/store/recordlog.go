package store

import (
	"bufio"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/golang/snappy"
)

// Entry pairs a cleaned record with the dedup key of the raw record it came
// from. Keeping the key in the same line as the record makes the append
// atomic: a restart seeds the replay filter from exactly the records that
// made it into the history.
type Entry struct {
	Key    string          `json:"k"`
	Record json.RawMessage `json:"r"`
}

func NewEntry(key string, v any) (Entry, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return Entry{}, fmt.Errorf("marshal record: %w", err)
	}
	return Entry{Key: key, Record: b}, nil
}

// RecordLog is the append-only history of cleaned records for one source;
// aggregation recomputes over it each batch and it is reloaded on restart.
// One entry per line: snappy-compressed JSON, base64-encoded to keep the
// file line-delimited.
type RecordLog struct {
	mu   sync.Mutex
	path string
}

func NewRecordLog(path string) *RecordLog {
	return &RecordLog{path: path}
}

func (l *RecordLog) Path() string { return l.path }

// Append writes each entry as its own line.
func (l *RecordLog) Append(entries ...Entry) error {
	if len(entries) == 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if dir := filepath.Dir(l.path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("recordlog dir: %w", err)
		}
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("open recordlog %s: %w", l.path, err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for _, e := range entries {
		b, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("marshal entry: %w", err)
		}
		line := base64.StdEncoding.EncodeToString(snappy.Encode(nil, b))
		if _, err := w.WriteString(line + "\n"); err != nil {
			return fmt.Errorf("append record: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}
	return f.Sync()
}

// Each calls fn with every entry's key and decoded record bytes, in append
// order. A missing log file reads as empty.
func (l *RecordLog) Each(fn func(key string, record []byte) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open recordlog %s: %w", l.path, err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		raw, err := base64.StdEncoding.DecodeString(sc.Text())
		if err != nil {
			return fmt.Errorf("recordlog %s line %d: %w", l.path, line, err)
		}
		b, err := snappy.Decode(nil, raw)
		if err != nil {
			return fmt.Errorf("recordlog %s line %d: %w", l.path, line, err)
		}
		var e Entry
		if err := json.Unmarshal(b, &e); err != nil {
			return fmt.Errorf("recordlog %s line %d: %w", l.path, line, err)
		}
		if err := fn(e.Key, e.Record); err != nil {
			return err
		}
	}
	return sc.Err()
}
