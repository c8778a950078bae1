package clean

import (
	"churn-analytics/feature-pipeline/internal/config"
	"churn-analytics/feature-pipeline/internal/metrics"
	"churn-analytics/feature-pipeline/internal/model"
	"churn-analytics/feature-pipeline/internal/util"
)

// Stats is the per-batch cleaning tally for one source.
type Stats struct {
	Seen            int
	Malformed       int
	Dropped         int // excluded by a drop_row constraint
	CoercionDropped int // excluded because typing failed
	Alerts          int
	Violations      map[string]int // per-constraint failure counts
}

// Cleaner validates and types RawRecords for one source. Each instance owns
// its source's constraint list; nothing is shared across legs.
type Cleaner struct {
	source      string
	layout      string
	constraints []Constraint
	log         *util.Logger
}

func New(cfg config.SourceConfig, logger *util.Logger) (*Cleaner, error) {
	cs, err := Compile(cfg.Constraints)
	if err != nil {
		return nil, err
	}
	return &Cleaner{source: cfg.Name, layout: cfg.TimestampLayout, constraints: cs, log: logger}, nil
}

// Filter applies the constraint set and returns the surviving raw records.
// Malformed records are excluded and counted. All constraints are evaluated
// for every record, so violation counts stay complete even when an early
// one already condemned the row. A failing fail-policy constraint aborts
// the batch with *ViolationError.
func (c *Cleaner) Filter(raws []model.RawRecord) ([]model.RawRecord, Stats, error) {
	st := Stats{Violations: make(map[string]int)}
	out := make([]model.RawRecord, 0, len(raws))

	for _, r := range raws {
		st.Seen++
		if r.Malformed {
			st.Malformed++
			metrics.RecordsDropped.WithLabelValues(c.source, "malformed").Inc()
			c.log.Debug("%s: malformed record %s:%d: %s", c.source, r.File, r.Line, r.ParseErr)
			continue
		}

		drop := false
		for _, cn := range c.constraints {
			if cn.Holds(r.Fields) {
				continue
			}
			st.Violations[cn.Name]++
			metrics.ConstraintViolations.WithLabelValues(c.source, cn.Name).Inc()
			switch cn.Policy {
			case PolicyFail:
				return nil, st, &ViolationError{Source: c.source, Constraint: cn.Name, File: r.File, Line: r.Line}
			case PolicyAlertOnly:
				st.Alerts++
				c.log.Warn("%s: constraint %s failed at %s:%d (alert only)", c.source, cn.Name, r.File, r.Line)
			default:
				drop = true
			}
		}
		if drop {
			st.Dropped++
			metrics.RecordsDropped.WithLabelValues(c.source, "constraint").Inc()
			continue
		}
		out = append(out, r)
	}
	return out, st, nil
}

// BindUsers types surviving user records; rows whose coercion fails are
// dropped and counted. The returned keys align with the records so callers
// can journal record provenance.
func (c *Cleaner) BindUsers(raws []model.RawRecord, st *Stats) ([]model.UserRecord, []string) {
	out := make([]model.UserRecord, 0, len(raws))
	keys := make([]string, 0, len(raws))
	for _, r := range raws {
		rec, err := BindUser(r.Fields, c.layout)
		if err != nil {
			c.dropCoercion(st, r, err)
			continue
		}
		out = append(out, rec)
		keys = append(keys, r.Key())
	}
	return out, keys
}

// BindOrders types surviving order records.
func (c *Cleaner) BindOrders(raws []model.RawRecord, st *Stats) ([]model.OrderRecord, []string) {
	out := make([]model.OrderRecord, 0, len(raws))
	keys := make([]string, 0, len(raws))
	for _, r := range raws {
		rec, err := BindOrder(r.Fields, c.layout)
		if err != nil {
			c.dropCoercion(st, r, err)
			continue
		}
		out = append(out, rec)
		keys = append(keys, r.Key())
	}
	return out, keys
}

// BindEvents types surviving event records.
func (c *Cleaner) BindEvents(raws []model.RawRecord, st *Stats) ([]model.EventRecord, []string) {
	out := make([]model.EventRecord, 0, len(raws))
	keys := make([]string, 0, len(raws))
	for _, r := range raws {
		rec, err := BindEvent(r.Fields, c.layout)
		if err != nil {
			c.dropCoercion(st, r, err)
			continue
		}
		out = append(out, rec)
		keys = append(keys, r.Key())
	}
	return out, keys
}

func (c *Cleaner) dropCoercion(st *Stats, r model.RawRecord, err error) {
	st.CoercionDropped++
	metrics.RecordsDropped.WithLabelValues(c.source, "coercion").Inc()
	c.log.Debug("%s: coercion failed at %s:%d: %v", c.source, r.File, r.Line, err)
}
