package sink

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"churn-analytics/feature-pipeline/internal/config"
	"churn-analytics/feature-pipeline/internal/model"
)

var csvHeader = []string{
	"user_id", "email_hash", "creation_date", "last_activity_date",
	"gender", "age_group", "canal", "country", "churn",
	"order_count", "total_amount", "total_item",
	"event_count", "session_count", "platform",
	"days_since_creation", "days_since_last_activity", "days_last_event",
	"churn_score", "score_failed", "model_name", "model_version", "scored_at",
}

// CSVSink rewrites the output file on every push. Aggregation is a full
// recompute, so each batch carries the complete feature table.
type CSVSink struct {
	mu   sync.Mutex
	path string
}

func NewCSV(cfg config.CSVSinkConfig) (*CSVSink, error) {
	if dir := filepath.Dir(cfg.Path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("csv: create output dir: %w", err)
		}
	}
	return &CSVSink{path: cfg.Path}, nil
}

func (c *CSVSink) Name() string { return "csv" }

func (c *CSVSink) Push(ctx context.Context, recs []model.ScoredRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	tmp := c.path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("csv: create %q: %w", tmp, err)
	}
	w := csv.NewWriter(f)
	if err := w.Write(csvHeader); err != nil {
		_ = f.Close()
		return fmt.Errorf("csv: write header: %w", err)
	}
	for _, r := range recs {
		if err := ctx.Err(); err != nil {
			_ = f.Close()
			return err
		}
		score := ""
		if r.Score != nil {
			score = strconv.FormatFloat(*r.Score, 'f', 6, 64)
		}
		row := []string{
			r.UserID,
			r.EmailHash,
			formatTS(r.CreationDate),
			formatTS(r.LastActivityDate),
			strconv.Itoa(r.Gender),
			strconv.Itoa(r.AgeGroup),
			r.Canal,
			r.Country,
			strconv.Itoa(r.Churn),
			strconv.Itoa(r.OrderCount),
			strconv.FormatFloat(r.TotalAmount, 'f', 2, 64),
			strconv.Itoa(r.TotalItem),
			strconv.Itoa(r.EventCount),
			strconv.Itoa(r.SessionCount),
			r.Platform,
			strconv.Itoa(r.DaysSinceCreation),
			strconv.Itoa(r.DaysSinceLastActivity),
			strconv.Itoa(r.DaysLastEvent),
			score,
			strconv.FormatBool(r.ScoreFailed),
			r.ModelName,
			r.ModelVersion,
			formatTS(r.ScoredAt),
		}
		if err := w.Write(row); err != nil {
			_ = f.Close()
			return fmt.Errorf("csv: write row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, c.path)
}

func (c *CSVSink) Close() error { return nil }

func formatTS(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339)
}
