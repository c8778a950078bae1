package clean

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"churn-analytics/feature-pipeline/internal/config"
)

// Policy is the disposition applied when a constraint predicate fails.
type Policy string

const (
	PolicyDropRow   Policy = "drop_row"
	PolicyFail      Policy = "fail"
	PolicyAlertOnly Policy = "alert_only"
)

// Constraint is one declared (predicate, policy) pair. Constraints are
// independent; evaluation order carries no meaning.
type Constraint struct {
	Name   string
	Field  string
	Policy Policy
	check  func(v any, present bool) bool
}

// Holds reports whether the record satisfies the constraint.
func (c Constraint) Holds(fields map[string]any) bool {
	v, ok := fields[c.Field]
	return c.check(v, ok)
}

// Compile turns config rows into executable constraints.
func Compile(cfgs []config.ConstraintConfig) ([]Constraint, error) {
	out := make([]Constraint, 0, len(cfgs))
	for _, cc := range cfgs {
		c := Constraint{Name: cc.Name, Field: cc.Field, Policy: Policy(cc.Policy)}
		if c.Name == "" {
			c.Name = cc.Field + "_" + cc.Rule
		}
		if c.Field == "" {
			return nil, fmt.Errorf("constraint %s: field is required", c.Name)
		}
		switch c.Policy {
		case "":
			c.Policy = PolicyDropRow
		case PolicyDropRow, PolicyFail, PolicyAlertOnly:
		default:
			return nil, fmt.Errorf("constraint %s: unknown policy %q", c.Name, cc.Policy)
		}

		switch cc.Rule {
		case "not_null":
			c.check = func(v any, present bool) bool {
				return present && v != nil && strings.TrimSpace(asString(v)) != ""
			}
		case "non_negative":
			c.check = func(v any, present bool) bool {
				f, err := asFloat(v)
				return present && err == nil && f >= 0
			}
		case "positive":
			c.check = func(v any, present bool) bool {
				f, err := asFloat(v)
				return present && err == nil && f > 0
			}
		case "matches":
			re, err := regexp.Compile(cc.Pattern)
			if err != nil {
				return nil, fmt.Errorf("constraint %s: %w", c.Name, err)
			}
			c.check = func(v any, present bool) bool {
				return present && re.MatchString(asString(v))
			}
		default:
			return nil, fmt.Errorf("constraint %s: unknown rule %q", c.Name, cc.Rule)
		}
		out = append(out, c)
	}
	return out, nil
}

// ViolationError aborts a source's batch under the fail policy.
type ViolationError struct {
	Source     string
	Constraint string
	File       string
	Line       int
}

func (e *ViolationError) Error() string {
	return fmt.Sprintf("%s: constraint %s failed at %s:%d (policy=fail)", e.Source, e.Constraint, e.File, e.Line)
}

func asString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprint(t)
	}
}

func asFloat(v any) (float64, error) {
	switch t := v.(type) {
	case float64:
		return t, nil
	case int:
		return float64(t), nil
	case string:
		return strconv.ParseFloat(strings.TrimSpace(t), 64)
	default:
		return 0, fmt.Errorf("not numeric: %T", v)
	}
}
