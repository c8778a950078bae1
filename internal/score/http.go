package score

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"churn-analytics/feature-pipeline/internal/config"
	"churn-analytics/feature-pipeline/internal/model"
	"churn-analytics/feature-pipeline/internal/util"
)

// HTTPScorer calls a model-serving endpoint with the declared input subset.
// Transient failures are retried with bounded backoff inside the caller's
// per-record timeout.
type HTTPScorer struct {
	name       string
	version    string
	inputs     []string
	url        string
	apiKey     string
	userAgent  string
	maxRetries int
	backoff    time.Duration
	maxBackoff time.Duration
	client     *http.Client
}

func NewHTTP(cfg config.ScoringConfig) (*HTTPScorer, error) {
	if strings.TrimSpace(cfg.HTTP.URL) == "" {
		return nil, fmt.Errorf("http scorer: url is required")
	}
	name := cfg.Name
	if name == "" {
		name = "churn-serving"
	}
	return &HTTPScorer{
		name:       name,
		version:    cfg.Version,
		inputs:     cfg.Inputs,
		url:        cfg.HTTP.URL,
		apiKey:     cfg.HTTP.APIKey,
		userAgent:  cfg.HTTP.UserAgent,
		maxRetries: cfg.HTTP.MaxRetries,
		backoff:    cfg.HTTP.Backoff,
		maxBackoff: cfg.HTTP.MaxBackoff,
		client:     util.NewHTTPClient(cfg.Timeout),
	}, nil
}

func (s *HTTPScorer) Name() string    { return s.name }
func (s *HTTPScorer) Version() string { return s.version }

func (s *HTTPScorer) Score(ctx context.Context, rec model.AggregateRecord) (float64, error) {
	inputs := make(map[string]float64, len(s.inputs))
	for _, in := range s.inputs {
		v, err := inputValue(rec, in)
		if err != nil {
			return 0, err
		}
		inputs[in] = v
	}
	body, err := json.Marshal(map[string]any{
		"model":   s.name,
		"version": s.version,
		"inputs":  inputs,
	})
	if err != nil {
		return 0, err
	}

	var score float64
	attempts := s.maxRetries
	if attempts < 1 {
		attempts = 1
	}
	backoff := s.backoff
	if backoff <= 0 {
		backoff = 200 * time.Millisecond
	}
	maxBackoff := s.maxBackoff
	if maxBackoff <= 0 {
		maxBackoff = 2 * time.Second
	}
	err = util.Retry(ctx, attempts, backoff, maxBackoff, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		if s.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+s.apiKey)
		}
		if s.userAgent != "" {
			req.Header.Set("User-Agent", s.userAgent)
		}
		resp, err := s.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode/100 != 2 {
			b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			return fmt.Errorf("scoring endpoint %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
		}
		var parsed struct {
			Score float64 `json:"score"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
			return fmt.Errorf("scoring response: %w", err)
		}
		score = parsed.Score
		return nil
	})
	return score, err
}
