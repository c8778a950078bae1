package score

import (
	"context"
	"fmt"
	"time"

	"churn-analytics/feature-pipeline/internal/config"
	"churn-analytics/feature-pipeline/internal/metrics"
	"churn-analytics/feature-pipeline/internal/model"
)

// Scorer is an externally supplied, versioned scoring function. The
// pipeline guarantees schema conformance of the declared inputs and nothing
// else; training and versioning live outside.
type Scorer interface {
	Name() string
	Version() string
	Score(ctx context.Context, rec model.AggregateRecord) (float64, error)
}

func NewFromConfig(cfg config.ScoringConfig) (Scorer, error) {
	if err := validateInputs(cfg.Inputs); err != nil {
		return nil, err
	}
	switch cfg.Type {
	case "logistic":
		return NewLogistic(cfg)
	case "http":
		return NewHTTP(cfg)
	default:
		return nil, fmt.Errorf("unknown scorer type: %s", cfg.Type)
	}
}

// Apply scores every aggregate record with a per-record timeout. A failed
// or timed-out call flags the record and moves on; one bad record never
// aborts the batch.
func Apply(ctx context.Context, s Scorer, timeout time.Duration, recs []model.AggregateRecord, scoredAt time.Time) []model.ScoredRecord {
	out := make([]model.ScoredRecord, 0, len(recs))
	for _, rec := range recs {
		sr := model.ScoredRecord{
			AggregateRecord: rec,
			ModelName:       s.Name(),
			ModelVersion:    s.Version(),
			ScoredAt:        scoredAt,
		}
		v, err := scoreOne(ctx, s, timeout, rec)
		if err != nil {
			sr.ScoreFailed = true
			sr.ScoreErr = err.Error()
			metrics.RecordsScored.WithLabelValues("failed").Inc()
		} else {
			sr.Score = &v
			metrics.RecordsScored.WithLabelValues("ok").Inc()
		}
		out = append(out, sr)
	}
	return out
}

// scoreOne enforces the timeout even against scorers that ignore their
// context.
func scoreOne(ctx context.Context, s Scorer, timeout time.Duration, rec model.AggregateRecord) (float64, error) {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		v   float64
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := s.Score(cctx, rec)
		done <- result{v, err}
	}()
	select {
	case r := <-done:
		return r.v, r.err
	case <-cctx.Done():
		return 0, cctx.Err()
	}
}

// inputValue maps a declared input name onto the record. The set below is
// the scoring surface of AggregateRecord; anything else fails validation.
func inputValue(rec model.AggregateRecord, name string) (float64, error) {
	switch name {
	case "order_count":
		return float64(rec.OrderCount), nil
	case "total_amount":
		return rec.TotalAmount, nil
	case "total_item":
		return float64(rec.TotalItem), nil
	case "event_count":
		return float64(rec.EventCount), nil
	case "session_count":
		return float64(rec.SessionCount), nil
	case "days_since_creation":
		return float64(rec.DaysSinceCreation), nil
	case "days_since_last_activity":
		return float64(rec.DaysSinceLastActivity), nil
	case "days_last_event":
		return float64(rec.DaysLastEvent), nil
	case "gender":
		return float64(rec.Gender), nil
	case "age_group":
		return float64(rec.AgeGroup), nil
	default:
		return 0, fmt.Errorf("unknown scoring input: %s", name)
	}
}

func validateInputs(inputs []string) error {
	if len(inputs) == 0 {
		return fmt.Errorf("scoring: inputs are required")
	}
	var zero model.AggregateRecord
	for _, n := range inputs {
		if _, err := inputValue(zero, n); err != nil {
			return fmt.Errorf("scoring: %w", err)
		}
	}
	return nil
}
