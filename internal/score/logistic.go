package score

import (
	"context"
	"fmt"
	"math"

	"churn-analytics/feature-pipeline/internal/config"
	"churn-analytics/feature-pipeline/internal/model"
)

// LogisticScorer evaluates a locally held logistic model: the exported
// weights of a churn model trained elsewhere.
type LogisticScorer struct {
	name      string
	version   string
	inputs    []string
	intercept float64
	weights   map[string]float64
}

func NewLogistic(cfg config.ScoringConfig) (*LogisticScorer, error) {
	if len(cfg.Logistic.Weights) == 0 {
		return nil, fmt.Errorf("logistic scorer: weights are required")
	}
	for f := range cfg.Logistic.Weights {
		found := false
		for _, in := range cfg.Inputs {
			if in == f {
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("logistic scorer: weight %q is not a declared input", f)
		}
	}
	name := cfg.Name
	if name == "" {
		name = "churn-logistic"
	}
	return &LogisticScorer{
		name:      name,
		version:   cfg.Version,
		inputs:    cfg.Inputs,
		intercept: cfg.Logistic.Intercept,
		weights:   cfg.Logistic.Weights,
	}, nil
}

func (s *LogisticScorer) Name() string    { return s.name }
func (s *LogisticScorer) Version() string { return s.version }

func (s *LogisticScorer) Score(ctx context.Context, rec model.AggregateRecord) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	z := s.intercept
	for _, in := range s.inputs {
		w, ok := s.weights[in]
		if !ok {
			continue
		}
		v, err := inputValue(rec, in)
		if err != nil {
			return 0, err
		}
		z += w * v
	}
	return 1 / (1 + math.Exp(-z)), nil
}
