// Package plans holds subscription plan definitions and the registry that
// serves them to the quota limiter.
package plans

import (
	"fmt"
	"strconv"
	"strings"
)

// Billing metadata keys carrying plan limits as strings.
const (
	MetadataDailyLimit   = "daily_api_limit"
	MetadataMonthlyLimit = "monthly_api_limit"
)

// Plan is a named bundle of call limits. A nil limit means unlimited for that period.
type Plan struct {
	ID           string `yaml:"id" json:"id"`
	Name         string `yaml:"name" json:"name"`
	DailyLimit   *int64 `yaml:"daily_limit" json:"daily_limit"`
	MonthlyLimit *int64 `yaml:"monthly_limit" json:"monthly_limit"`
}

// Limit returns a pointer to n, for building plans in code.
func Limit(n int64) *int64 {
	return &n
}

// Unlimited reports whether the plan imposes no limit in either period.
func (p Plan) Unlimited() bool {
	return p.DailyLimit == nil && p.MonthlyLimit == nil
}

// Validate checks that the plan has an id and no negative limits.
func (p Plan) Validate() error {
	if strings.TrimSpace(p.ID) == "" {
		return fmt.Errorf("plan id is required")
	}
	if p.DailyLimit != nil && *p.DailyLimit < 0 {
		return fmt.Errorf("plan %q: daily limit must not be negative", p.ID)
	}
	if p.MonthlyLimit != nil && *p.MonthlyLimit < 0 {
		return fmt.Errorf("plan %q: monthly limit must not be negative", p.ID)
	}
	return nil
}

// normalize maps a zero limit to unlimited, matching how billing metadata
// expresses "no limit".
func (p Plan) normalize() Plan {
	if p.DailyLimit != nil && *p.DailyLimit == 0 {
		p.DailyLimit = nil
	}
	if p.MonthlyLimit != nil && *p.MonthlyLimit == 0 {
		p.MonthlyLimit = nil
	}
	return p
}

// PlanFromMetadata builds a plan from billing-provider metadata where limits are
// stored as decimal strings. A missing, empty, or "0" value means unlimited.
func PlanFromMetadata(id, name string, metadata map[string]string) (Plan, error) {
	daily, err := parseLimit(metadata[MetadataDailyLimit])
	if err != nil {
		return Plan{}, fmt.Errorf("plan %q: %s: %w", id, MetadataDailyLimit, err)
	}
	monthly, err := parseLimit(metadata[MetadataMonthlyLimit])
	if err != nil {
		return Plan{}, fmt.Errorf("plan %q: %s: %w", id, MetadataMonthlyLimit, err)
	}

	p := Plan{ID: id, Name: name, DailyLimit: daily, MonthlyLimit: monthly}
	if err := p.Validate(); err != nil {
		return Plan{}, err
	}
	return p, nil
}

func parseLimit(raw string) (*int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid limit %q: %w", raw, err)
	}
	if n < 0 {
		return nil, fmt.Errorf("invalid limit %q: must not be negative", raw)
	}
	if n == 0 {
		return nil, nil
	}
	return &n, nil
}
