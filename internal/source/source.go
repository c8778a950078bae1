package source

import (
	"context"
	"fmt"

	"churn-analytics/feature-pipeline/internal/config"
	"churn-analytics/feature-pipeline/internal/model"
	"churn-analytics/feature-pipeline/internal/util"
)

// Source incrementally discovers new raw records. Fetch never advances the
// durable cursor; the staged position becomes durable only on Commit, after
// the batch's sinks have succeeded.
type Source interface {
	Name() string
	Fetch(ctx context.Context) ([]model.RawRecord, error)
	Commit(batchID string) error
}

func NewFromConfig(c config.SourceConfig, logger *util.Logger) (Source, error) {
	switch c.Format {
	case "csv", "json":
		return NewFileSource(c, logger), nil
	default:
		return nil, fmt.Errorf("unknown source format: %s", c.Format)
	}
}
