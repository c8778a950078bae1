package model

import (
	"strconv"
	"time"
)

// Source names are fixed; each drives its own ingestion+cleaning leg.
const (
	SourceUsers  = "users"
	SourceOrders = "orders"
	SourceEvents = "events"
)

// RawRecord is the untyped unit emitted by ingestion. Records that fail
// parsing are tagged malformed rather than dropped, so downstream stages
// decide disposition. Never mutated after creation.
type RawRecord struct {
	Source    string
	File      string
	Line      int // 1-based record index within the file (header excluded for CSV)
	Fields    map[string]any
	Malformed bool
	ParseErr  string
}

// Key returns the stable replay-dedup key for the record.
func (r RawRecord) Key() string {
	return r.Source + "::" + r.File + "::" + strconv.Itoa(r.Line)
}

// UserRecord is the cleaned users row. Free-text identity columns
// (firstname, lastname, address) are not carried; email survives only as
// a one-way hash.
type UserRecord struct {
	UserID           string    `json:"user_id"`
	EmailHash        string    `json:"email_hash"`
	CreationDate     time.Time `json:"creation_date"`
	LastActivityDate time.Time `json:"last_activity_date"`
	Gender           int       `json:"gender"`
	AgeGroup         int       `json:"age_group"`
	Canal            string    `json:"canal"`
	Country          string    `json:"country"`
	Churn            int       `json:"churn"`
}

// OrderRecord is the cleaned orders row.
type OrderRecord struct {
	OrderID         string    `json:"order_id"`
	UserID          string    `json:"user_id"`
	Amount          float64   `json:"amount"`
	ItemCount       int       `json:"item_count"`
	TransactionDate time.Time `json:"transaction_date"`
}

// EventRecord is the cleaned app-events row.
type EventRecord struct {
	UserID    string    `json:"user_id"`
	SessionID string    `json:"session_id"`
	Platform  string    `json:"platform"`
	Action    string    `json:"action"`
	URL       string    `json:"url"`
	EventDate time.Time `json:"date"`
}

// AggregateRecord is one feature row per user: order and event reductions
// inner-joined onto the users stream. Day counts are derived against an
// explicit evaluation instant, not wall-clock time.
type AggregateRecord struct {
	UserID           string    `json:"user_id"`
	EmailHash        string    `json:"email_hash"`
	CreationDate     time.Time `json:"creation_date"`
	LastActivityDate time.Time `json:"last_activity_date"`
	Gender           int       `json:"gender"`
	AgeGroup         int       `json:"age_group"`
	Canal            string    `json:"canal"`
	Country          string    `json:"country"`
	Churn            int       `json:"churn"`

	OrderCount      int       `json:"order_count"`
	TotalAmount     float64   `json:"total_amount"`
	TotalItem       int       `json:"total_item"`
	LastTransaction time.Time `json:"last_transaction"`

	EventCount   int       `json:"event_count"`
	SessionCount int       `json:"session_count"`
	Platform     string    `json:"platform"`
	LastEvent    time.Time `json:"last_event"`

	DaysSinceCreation     int `json:"days_since_creation"`
	DaysSinceLastActivity int `json:"days_since_last_activity"`
	DaysLastEvent         int `json:"days_last_event"`
}

// ScoredRecord is the terminal entity: an AggregateRecord annotated with a
// model prediction. Score is nil when scoring failed for the record.
type ScoredRecord struct {
	AggregateRecord

	Score        *float64  `json:"churn_score"`
	ScoreFailed  bool      `json:"score_failed"`
	ScoreErr     string    `json:"score_err,omitempty"`
	ModelName    string    `json:"model_name"`
	ModelVersion string    `json:"model_version"`
	ScoredAt     time.Time `json:"scored_at"`
}
