package sink

import (
	"context"

	"churn-analytics/feature-pipeline/internal/model"
)

// Sink receives the scored feature rows of one batch. Push must be safe to
// retry: the pipeline replays the same rows when any sink fails, since
// checkpoints only advance after every sink succeeded.
type Sink interface {
	Name() string
	Push(ctx context.Context, recs []model.ScoredRecord) error
	Close() error
}
