package aggregate

import (
	"sort"
	"time"

	"churn-analytics/feature-pipeline/internal/metrics"
	"churn-analytics/feature-pipeline/internal/model"
)

// JoinStats counts keys excluded by inner-join semantics. These exclusions
// are not errors, but they are the pipeline's main silent-loss risk and
// must stay observable.
type JoinStats struct {
	UsersWithoutOrders int // users present but no order rows
	UsersWithoutEvents int // users present but no event rows
	OrphanOrderKeys    int // order keys with no user row
	OrphanEventKeys    int // event keys with no user row
}

type orderAgg struct {
	count  int
	amount float64
	items  int
	lastTx time.Time
}

type eventAgg struct {
	count    int
	sessions map[string]struct{}
	// first-seen platform: the platform of the earliest event, ties broken
	// lexicographically so the reduction stays order-independent
	firstTS       time.Time
	firstPlatform string
	lastEvent     time.Time
}

// Build recomputes feature rows over the full clean history. Only users
// present in all three sources appear in the output (inner join). Derived
// day counts are measured against evalAt, which callers pin explicitly for
// reproducibility. All reductions are commutative and associative, so input
// order never changes the result.
func Build(users []model.UserRecord, orders []model.OrderRecord, events []model.EventRecord, evalAt time.Time) ([]model.AggregateRecord, JoinStats) {
	byOrder := make(map[string]*orderAgg)
	for _, o := range orders {
		a := byOrder[o.UserID]
		if a == nil {
			a = &orderAgg{}
			byOrder[o.UserID] = a
		}
		a.count++
		a.amount += o.Amount
		a.items += o.ItemCount
		if o.TransactionDate.After(a.lastTx) {
			a.lastTx = o.TransactionDate
		}
	}

	byEvent := make(map[string]*eventAgg)
	for _, e := range events {
		a := byEvent[e.UserID]
		if a == nil {
			a = &eventAgg{sessions: make(map[string]struct{})}
			byEvent[e.UserID] = a
		}
		a.count++
		if e.SessionID != "" {
			a.sessions[e.SessionID] = struct{}{}
		}
		if a.firstTS.IsZero() || e.EventDate.Before(a.firstTS) ||
			(e.EventDate.Equal(a.firstTS) && e.Platform < a.firstPlatform) {
			a.firstTS = e.EventDate
			a.firstPlatform = e.Platform
		}
		if e.EventDate.After(a.lastEvent) {
			a.lastEvent = e.EventDate
		}
	}

	var st JoinStats
	out := make([]model.AggregateRecord, 0, len(users))
	userKeys := make(map[string]struct{}, len(users))
	for _, u := range users {
		userKeys[u.UserID] = struct{}{}
		oa, hasOrders := byOrder[u.UserID]
		ea, hasEvents := byEvent[u.UserID]
		if !hasOrders {
			st.UsersWithoutOrders++
			metrics.JoinGaps.WithLabelValues(model.SourceOrders).Inc()
		}
		if !hasEvents {
			st.UsersWithoutEvents++
			metrics.JoinGaps.WithLabelValues(model.SourceEvents).Inc()
		}
		if !hasOrders || !hasEvents {
			continue
		}

		out = append(out, model.AggregateRecord{
			UserID:           u.UserID,
			EmailHash:        u.EmailHash,
			CreationDate:     u.CreationDate,
			LastActivityDate: u.LastActivityDate,
			Gender:           u.Gender,
			AgeGroup:         u.AgeGroup,
			Canal:            u.Canal,
			Country:          u.Country,
			Churn:            u.Churn,

			OrderCount:      oa.count,
			TotalAmount:     oa.amount,
			TotalItem:       oa.items,
			LastTransaction: oa.lastTx,

			EventCount:   ea.count,
			SessionCount: len(ea.sessions),
			Platform:     ea.firstPlatform,
			LastEvent:    ea.lastEvent,

			DaysSinceCreation:     daysBetween(u.CreationDate, evalAt),
			DaysSinceLastActivity: daysBetween(u.LastActivityDate, evalAt),
			DaysLastEvent:         daysBetween(ea.lastEvent, evalAt),
		})
	}

	for k := range byOrder {
		if _, ok := userKeys[k]; !ok {
			st.OrphanOrderKeys++
			metrics.JoinGaps.WithLabelValues(model.SourceUsers).Inc()
		}
	}
	for k := range byEvent {
		if _, ok := userKeys[k]; !ok {
			st.OrphanEventKeys++
			metrics.JoinGaps.WithLabelValues(model.SourceUsers).Inc()
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, st
}

func daysBetween(from, to time.Time) int {
	if from.IsZero() {
		return 0
	}
	d := int(to.Sub(from).Hours() / 24)
	if d < 0 {
		return 0
	}
	return d
}
