package sink

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"churn-analytics/feature-pipeline/internal/model"
	"churn-analytics/feature-pipeline/internal/util"
)

// PostgresSink upserts scored rows into churn_predictions, keyed by user.
// Re-pushing a batch after a sink-side failure overwrites the same rows, so
// retries stay idempotent.
type PostgresSink struct {
	db *sql.DB
}

func NewPostgres(ctx context.Context, dsn string) (*PostgresSink, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}

	if err := util.Retry(ctx, 10, time.Second, 8*time.Second, db.Ping); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres: ping failed after retries: %w", err)
	}

	s := &PostgresSink{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("postgres: migrate: %w", err)
	}
	return s, nil
}

func (s *PostgresSink) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS churn_predictions (
			user_id                  TEXT PRIMARY KEY,
			email_hash               TEXT NOT NULL DEFAULT '',
			canal                    TEXT NOT NULL DEFAULT '',
			country                  TEXT NOT NULL DEFAULT '',
			gender                   INT  NOT NULL DEFAULT 0,
			age_group                INT  NOT NULL DEFAULT 0,
			churn                    INT  NOT NULL DEFAULT 0,
			order_count              INT  NOT NULL DEFAULT 0,
			total_amount             NUMERIC(14,2) NOT NULL DEFAULT 0,
			total_item               INT  NOT NULL DEFAULT 0,
			event_count              INT  NOT NULL DEFAULT 0,
			session_count            INT  NOT NULL DEFAULT 0,
			platform                 TEXT NOT NULL DEFAULT '',
			days_since_creation      INT  NOT NULL DEFAULT 0,
			days_since_last_activity INT  NOT NULL DEFAULT 0,
			days_last_event          INT  NOT NULL DEFAULT 0,
			churn_score              NUMERIC(8,6),
			score_failed             BOOLEAN NOT NULL DEFAULT FALSE,
			model_name               TEXT NOT NULL DEFAULT '',
			model_version            TEXT NOT NULL DEFAULT '',
			scored_at                TIMESTAMPTZ
		);

		CREATE INDEX IF NOT EXISTS idx_churn_predictions_score ON churn_predictions(churn_score);
		CREATE INDEX IF NOT EXISTS idx_churn_predictions_platform ON churn_predictions(platform);
	`)
	return err
}

func (s *PostgresSink) Name() string { return "postgres" }

func (s *PostgresSink) Push(ctx context.Context, recs []model.ScoredRecord) error {
	if len(recs) == 0 {
		return nil
	}
	const batchSize = 50
	for i := 0; i < len(recs); i += batchSize {
		end := i + batchSize
		if end > len(recs) {
			end = len(recs)
		}
		if err := s.upsertBatch(ctx, recs[i:end]); err != nil {
			return err
		}
	}
	return nil
}

func (s *PostgresSink) upsertBatch(ctx context.Context, batch []model.ScoredRecord) error {
	const cols = 21
	valueStrings := make([]string, 0, len(batch))
	valueArgs := make([]interface{}, 0, len(batch)*cols)

	for idx, r := range batch {
		base := idx * cols
		ph := make([]string, cols)
		for j := range ph {
			ph[j] = fmt.Sprintf("$%d", base+j+1)
		}
		valueStrings = append(valueStrings, "("+strings.Join(ph, ",")+")")

		var score interface{}
		if r.Score != nil {
			score = *r.Score
		}
		valueArgs = append(valueArgs,
			r.UserID, r.EmailHash, r.Canal, r.Country, r.Gender, r.AgeGroup, r.Churn,
			r.OrderCount, r.TotalAmount, r.TotalItem,
			r.EventCount, r.SessionCount, r.Platform,
			r.DaysSinceCreation, r.DaysSinceLastActivity, r.DaysLastEvent,
			score, r.ScoreFailed, r.ModelName, r.ModelVersion, r.ScoredAt,
		)
	}

	query := fmt.Sprintf(`
		INSERT INTO churn_predictions (
			user_id, email_hash, canal, country, gender, age_group, churn,
			order_count, total_amount, total_item,
			event_count, session_count, platform,
			days_since_creation, days_since_last_activity, days_last_event,
			churn_score, score_failed, model_name, model_version, scored_at
		)
		VALUES %s
		ON CONFLICT (user_id) DO UPDATE SET
			email_hash = EXCLUDED.email_hash,
			canal = EXCLUDED.canal,
			country = EXCLUDED.country,
			gender = EXCLUDED.gender,
			age_group = EXCLUDED.age_group,
			churn = EXCLUDED.churn,
			order_count = EXCLUDED.order_count,
			total_amount = EXCLUDED.total_amount,
			total_item = EXCLUDED.total_item,
			event_count = EXCLUDED.event_count,
			session_count = EXCLUDED.session_count,
			platform = EXCLUDED.platform,
			days_since_creation = EXCLUDED.days_since_creation,
			days_since_last_activity = EXCLUDED.days_since_last_activity,
			days_last_event = EXCLUDED.days_last_event,
			churn_score = EXCLUDED.churn_score,
			score_failed = EXCLUDED.score_failed,
			model_name = EXCLUDED.model_name,
			model_version = EXCLUDED.model_version,
			scored_at = EXCLUDED.scored_at
	`, strings.Join(valueStrings, ","))

	_, err := s.db.ExecContext(ctx, query, valueArgs...)
	return err
}

func (s *PostgresSink) Close() error {
	return s.db.Close()
}
