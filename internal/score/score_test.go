package score

import (
	"context"
	"math"
	"testing"
	"time"

	"churn-analytics/feature-pipeline/internal/config"
	"churn-analytics/feature-pipeline/internal/model"
)

func logisticConfig() config.ScoringConfig {
	return config.ScoringConfig{
		Type:    "logistic",
		Name:    "churn-logistic",
		Version: "2",
		Timeout: time.Second,
		Inputs:  []string{"order_count", "event_count", "days_since_last_activity"},
		Logistic: config.LogisticConfig{
			Intercept: -1,
			Weights: map[string]float64{
				"order_count":              -0.5,
				"days_since_last_activity": 0.1,
			},
		},
	}
}

func TestLogisticScore(t *testing.T) {
	s, err := NewFromConfig(logisticConfig())
	if err != nil {
		t.Fatal(err)
	}
	rec := model.AggregateRecord{OrderCount: 2, DaysSinceLastActivity: 30}

	got, err := s.Score(context.Background(), rec)
	if err != nil {
		t.Fatal(err)
	}
	// z = -1 + (-0.5*2) + (0.1*30) = 1
	want := 1 / (1 + math.Exp(-1))
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("score = %v, want %v", got, want)
	}
}

func TestScorerRejectsUnknownInput(t *testing.T) {
	cfg := logisticConfig()
	cfg.Inputs = []string{"favorite_color"}
	if _, err := NewFromConfig(cfg); err == nil {
		t.Error("expected error for undeclared input field")
	}
}

func TestLogisticRejectsWeightOutsideInputs(t *testing.T) {
	cfg := logisticConfig()
	cfg.Logistic.Weights["total_amount"] = 1 // not in Inputs
	if _, err := NewFromConfig(cfg); err == nil {
		t.Error("expected error for weight on undeclared input")
	}
}

// slowScorer ignores its context, like a misbehaving external model.
type slowScorer struct{ delay time.Duration }

func (s *slowScorer) Name() string    { return "slow" }
func (s *slowScorer) Version() string { return "1" }
func (s *slowScorer) Score(ctx context.Context, rec model.AggregateRecord) (float64, error) {
	time.Sleep(s.delay)
	return 0.5, nil
}

func TestApplyTimeoutFlagsRecordWithoutAbort(t *testing.T) {
	recs := []model.AggregateRecord{{UserID: "1"}, {UserID: "2"}}
	scoredAt := time.Date(2020, 3, 1, 0, 0, 0, 0, time.UTC)

	out := Apply(context.Background(), &slowScorer{delay: 200 * time.Millisecond}, 20*time.Millisecond, recs, scoredAt)
	if len(out) != 2 {
		t.Fatalf("a timeout must not abort the batch: got %d records", len(out))
	}
	for _, r := range out {
		if !r.ScoreFailed {
			t.Errorf("user %s: expected ScoreFailed", r.UserID)
		}
		if r.Score != nil {
			t.Errorf("user %s: failed record must carry a null score", r.UserID)
		}
		if r.ScoreErr == "" {
			t.Errorf("user %s: missing failure reason", r.UserID)
		}
	}
}

func TestApplyAnnotatesRecords(t *testing.T) {
	s, err := NewFromConfig(logisticConfig())
	if err != nil {
		t.Fatal(err)
	}
	scoredAt := time.Date(2020, 3, 1, 0, 0, 0, 0, time.UTC)
	out := Apply(context.Background(), s, time.Second, []model.AggregateRecord{{UserID: "1", OrderCount: 3}}, scoredAt)
	if len(out) != 1 {
		t.Fatal("expected 1 scored record")
	}
	r := out[0]
	if r.ScoreFailed || r.Score == nil {
		t.Fatalf("unexpected failure: %+v", r)
	}
	if r.ModelName != "churn-logistic" || r.ModelVersion != "2" {
		t.Errorf("model annotation = %s/%s", r.ModelName, r.ModelVersion)
	}
	if !r.ScoredAt.Equal(scoredAt) {
		t.Errorf("ScoredAt = %s", r.ScoredAt)
	}
	if *r.Score <= 0 || *r.Score >= 1 {
		t.Errorf("score out of range: %v", *r.Score)
	}
}
