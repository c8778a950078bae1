package clean

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"churn-analytics/feature-pipeline/internal/model"
)

// BindUser coerces a raw users row to its typed form. Email is reduced to a
// one-way hash; free-text identity columns are intentionally not carried.
func BindUser(fields map[string]any, layout string) (model.UserRecord, error) {
	creation, err := toTime(fields["creation_date"], layout)
	if err != nil {
		return model.UserRecord{}, fmt.Errorf("creation_date: %w", err)
	}
	lastActivity, err := toTimeOptional(fields["last_activity_date"], layout)
	if err != nil {
		return model.UserRecord{}, fmt.Errorf("last_activity_date: %w", err)
	}
	gender, err := toIntOptional(fields["gender"])
	if err != nil {
		return model.UserRecord{}, fmt.Errorf("gender: %w", err)
	}
	ageGroup, err := toIntOptional(fields["age_group"])
	if err != nil {
		return model.UserRecord{}, fmt.Errorf("age_group: %w", err)
	}
	churn, err := toIntOptional(fields["churn"])
	if err != nil {
		return model.UserRecord{}, fmt.Errorf("churn: %w", err)
	}
	return model.UserRecord{
		UserID:           asString(fields["id"]),
		EmailHash:        Pseudonymize(asString(fields["email"])),
		CreationDate:     creation,
		LastActivityDate: lastActivity,
		Gender:           gender,
		AgeGroup:         ageGroup,
		Canal:            asString(fields["canal"]),
		Country:          asString(fields["country"]),
		Churn:            churn,
	}, nil
}

// BindOrder coerces a raw orders row.
func BindOrder(fields map[string]any, layout string) (model.OrderRecord, error) {
	amount, err := asFloat(fields["amount"])
	if err != nil {
		return model.OrderRecord{}, fmt.Errorf("amount: %w", err)
	}
	itemCount, err := toInt(fields["item_count"])
	if err != nil {
		return model.OrderRecord{}, fmt.Errorf("item_count: %w", err)
	}
	ts, err := toTime(fields["transaction_date"], layout)
	if err != nil {
		return model.OrderRecord{}, fmt.Errorf("transaction_date: %w", err)
	}
	return model.OrderRecord{
		OrderID:         asString(fields["id"]),
		UserID:          asString(fields["user_id"]),
		Amount:          amount,
		ItemCount:       itemCount,
		TransactionDate: ts,
	}, nil
}

// BindEvent coerces a raw events row.
func BindEvent(fields map[string]any, layout string) (model.EventRecord, error) {
	ts, err := toTime(fields["date"], layout)
	if err != nil {
		return model.EventRecord{}, fmt.Errorf("date: %w", err)
	}
	return model.EventRecord{
		UserID:    asString(fields["user_id"]),
		SessionID: asString(fields["session_id"]),
		Platform:  strings.ToLower(asString(fields["platform"])),
		Action:    asString(fields["action"]),
		URL:       asString(fields["url"]),
		EventDate: ts,
	}, nil
}

// Pseudonymize reduces an identifying value to a hex sha1 digest. Empty
// input stays empty.
func Pseudonymize(s string) string {
	if s == "" {
		return ""
	}
	sum := sha1.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

func toInt(v any) (int, error) {
	f, err := asFloat(v)
	if err != nil {
		return 0, err
	}
	return int(f), nil
}

func toIntOptional(v any) (int, error) {
	if v == nil || strings.TrimSpace(asString(v)) == "" {
		return 0, nil
	}
	return toInt(v)
}

func toTime(v any, layout string) (time.Time, error) {
	s := asString(v)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	// epoch seconds also appear in event exports
	if sec, err := strconv.ParseInt(s, 10, 64); err == nil && len(s) >= 10 {
		return time.Unix(sec, 0).UTC(), nil
	}
	t, err := time.Parse(layout, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

func toTimeOptional(v any, layout string) (time.Time, error) {
	if v == nil || strings.TrimSpace(asString(v)) == "" {
		return time.Time{}, nil
	}
	return toTime(v, layout)
}
