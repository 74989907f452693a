package plans

import (
	"testing"
)

func TestPlanFromMetadata(t *testing.T) {
	tests := []struct {
		name        string
		metadata    map[string]string
		wantDaily   *int64
		wantMonthly *int64
		wantErr     bool
	}{
		{
			name:        "both limits",
			metadata:    map[string]string{MetadataDailyLimit: "100", MetadataMonthlyLimit: "2000"},
			wantDaily:   Limit(100),
			wantMonthly: Limit(2000),
		},
		{
			name:        "zero means unlimited",
			metadata:    map[string]string{MetadataDailyLimit: "0", MetadataMonthlyLimit: "500"},
			wantMonthly: Limit(500),
		},
		{
			name:     "missing keys are unlimited",
			metadata: map[string]string{},
		},
		{
			name:      "whitespace is trimmed",
			metadata:  map[string]string{MetadataDailyLimit: " 25 "},
			wantDaily: Limit(25),
		},
		{
			name:     "not a number",
			metadata: map[string]string{MetadataDailyLimit: "lots"},
			wantErr:  true,
		},
		{
			name:     "negative",
			metadata: map[string]string{MetadataMonthlyLimit: "-1"},
			wantErr:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := PlanFromMetadata("basic", "Basic", tt.metadata)
			if (err != nil) != tt.wantErr {
				t.Fatalf("PlanFromMetadata() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if got.ID != "basic" || got.Name != "Basic" {
				t.Errorf("PlanFromMetadata() id/name = %q/%q", got.ID, got.Name)
			}
			if !equalLimit(got.DailyLimit, tt.wantDaily) {
				t.Errorf("DailyLimit = %v, want %v", deref(got.DailyLimit), deref(tt.wantDaily))
			}
			if !equalLimit(got.MonthlyLimit, tt.wantMonthly) {
				t.Errorf("MonthlyLimit = %v, want %v", deref(got.MonthlyLimit), deref(tt.wantMonthly))
			}
		})
	}
}

func TestPlan_Validate(t *testing.T) {
	tests := []struct {
		name    string
		plan    Plan
		wantErr bool
	}{
		{name: "valid", plan: Plan{ID: "free", DailyLimit: Limit(10)}},
		{name: "unlimited", plan: Plan{ID: "enterprise"}},
		{name: "missing id", plan: Plan{DailyLimit: Limit(10)}, wantErr: true},
		{name: "negative daily", plan: Plan{ID: "x", DailyLimit: Limit(-1)}, wantErr: true},
		{name: "negative monthly", plan: Plan{ID: "x", MonthlyLimit: Limit(-5)}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.plan.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestParsePlans(t *testing.T) {
	doc := []byte(`
plans:
  - id: free
    name: Free
    daily_limit: 100
    monthly_limit: 2000
  - id: pro
    name: Pro
    metadata:
      daily_api_limit: "10000"
      monthly_api_limit: "0"
  - id: enterprise
    name: Enterprise
`)

	got, err := ParsePlans(doc)
	if err != nil {
		t.Fatalf("ParsePlans() error = %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("ParsePlans() returned %d plans, want 3", len(got))
	}

	if deref(got[0].DailyLimit) != 100 || deref(got[0].MonthlyLimit) != 2000 {
		t.Errorf("free limits = %v/%v", deref(got[0].DailyLimit), deref(got[0].MonthlyLimit))
	}
	if deref(got[1].DailyLimit) != 10000 || got[1].MonthlyLimit != nil {
		t.Errorf("pro limits = %v/%v, want 10000/unlimited", deref(got[1].DailyLimit), got[1].MonthlyLimit)
	}
	if !got[2].Unlimited() {
		t.Error("enterprise should be unlimited")
	}
}

func TestParsePlans_Invalid(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{name: "bad yaml", doc: "plans: [:"},
		{name: "bad metadata", doc: "plans:\n  - id: x\n    metadata:\n      daily_api_limit: abc\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParsePlans([]byte(tt.doc)); err == nil {
				t.Error("ParsePlans() error = nil, want error")
			}
		})
	}
}

func equalLimit(a, b *int64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func deref(p *int64) int64 {
	if p == nil {
		return -1
	}
	return *p
}
