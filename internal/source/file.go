package source

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"churn-analytics/feature-pipeline/internal/config"
	"churn-analytics/feature-pipeline/internal/metrics"
	"churn-analytics/feature-pipeline/internal/model"
	"churn-analytics/feature-pipeline/internal/store"
	"churn-analytics/feature-pipeline/internal/util"
)

// FileSource reads an append-only landing directory of CSV or JSON-lines
// files. The checkpoint records per-file record offsets, so re-runs emit
// only files and rows not yet committed. Malformed rows are tagged, never
// dropped; they still advance the offset.
type FileSource struct {
	cfg    config.SourceConfig
	log    *util.Logger
	cp     store.Checkpoint
	staged store.Checkpoint
	loaded bool
}

func NewFileSource(cfg config.SourceConfig, logger *util.Logger) *FileSource {
	return &FileSource{cfg: cfg, log: logger}
}

func (s *FileSource) Name() string { return s.cfg.Name }

func (s *FileSource) Fetch(ctx context.Context) ([]model.RawRecord, error) {
	if !s.loaded {
		cp, err := store.LoadCheckpoint(s.cfg.CheckpointPath)
		if err != nil {
			return nil, err
		}
		s.cp = cp
		s.loaded = true
	}
	s.staged = s.cp.Clone()

	var entries []os.DirEntry
	err := s.retry(ctx, func() error {
		e, err := os.ReadDir(s.cfg.Path)
		entries = e
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%s: list %s: %w", s.cfg.Name, s.cfg.Path, err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if ext := strings.ToLower(filepath.Ext(e.Name())); ext == ".csv" || ext == ".json" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var out []model.RawRecord
	for _, name := range names {
		recs, total, err := s.readFile(ctx, name, s.cp.Files[name])
		if err != nil {
			return nil, err
		}
		out = append(out, recs...)
		s.staged.Files[name] = total
	}

	malformed := 0
	for _, r := range out {
		if r.Malformed {
			malformed++
		}
	}
	metrics.RecordsRead.WithLabelValues(s.cfg.Name).Add(float64(len(out)))
	metrics.RecordsMalformed.WithLabelValues(s.cfg.Name).Add(float64(malformed))
	if len(out) > 0 {
		s.log.Debug("%s: fetched %d new records (%d malformed)", s.cfg.Name, len(out), malformed)
	}
	return out, nil
}

// Commit makes the staged cursor durable. Only called once the whole batch
// has been pushed; a commit failure is fatal to the run.
func (s *FileSource) Commit(batchID string) error {
	s.staged.LastBatchID = batchID
	s.staged.LastRun = time.Now().UTC()
	if err := store.SaveCheckpoint(s.cfg.CheckpointPath, s.staged); err != nil {
		return err
	}
	s.cp = s.staged.Clone()
	return nil
}

func (s *FileSource) readFile(ctx context.Context, name string, done int) ([]model.RawRecord, int, error) {
	var b []byte
	err := s.retry(ctx, func() error {
		data, err := os.ReadFile(filepath.Join(s.cfg.Path, name))
		b = data
		return err
	})
	if err != nil {
		return nil, 0, fmt.Errorf("%s: read %s: %w", s.cfg.Name, name, err)
	}

	switch s.cfg.Format {
	case "csv":
		return s.parseCSV(name, b, done)
	default:
		return s.parseJSONLines(name, b, done)
	}
}

func (s *FileSource) parseCSV(name string, b []byte, done int) ([]model.RawRecord, int, error) {
	r := csv.NewReader(bytes.NewReader(b))
	r.TrimLeadingSpace = true

	header, err := r.Read()
	if err == io.EOF {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("%s: %s: header: %w", s.cfg.Name, name, err)
	}

	var out []model.RawRecord
	idx := 0
	for {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		idx++
		if idx <= done {
			continue
		}
		rec := model.RawRecord{Source: s.cfg.Name, File: name, Line: idx}
		if err != nil {
			rec.Malformed = true
			rec.ParseErr = err.Error()
		} else {
			rec.Fields = make(map[string]any, len(header))
			for i, h := range header {
				rec.Fields[strings.TrimSpace(h)] = row[i]
			}
		}
		out = append(out, rec)
	}
	return out, idx, nil
}

func (s *FileSource) parseJSONLines(name string, b []byte, done int) ([]model.RawRecord, int, error) {
	sc := bufio.NewScanner(bytes.NewReader(b))
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var out []model.RawRecord
	idx := 0
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		idx++
		if idx <= done {
			continue
		}
		rec := model.RawRecord{Source: s.cfg.Name, File: name, Line: idx}
		var fields map[string]any
		if err := json.Unmarshal([]byte(line), &fields); err != nil {
			rec.Malformed = true
			rec.ParseErr = err.Error()
		} else {
			rec.Fields = fields
		}
		out = append(out, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, idx, fmt.Errorf("%s: %s: %w", s.cfg.Name, name, err)
	}
	return out, idx, nil
}

func (s *FileSource) retry(ctx context.Context, fn func() error) error {
	attempts := s.cfg.MaxRetries
	if attempts < 1 {
		attempts = 1
	}
	return util.Retry(ctx, attempts, defaultDur(s.cfg.Backoff, 500*time.Millisecond), defaultDur(s.cfg.MaxBackoff, 5*time.Second), fn)
}

func defaultDur(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}
