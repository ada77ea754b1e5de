package optimize

import (
	"math"
	"testing"

	"tasksmith/internal/validate"
)

func TestEstimateImpact(t *testing.T) {
	impact := estimateImpact(100)

	if impact.CurrentAvgTime != 2.5 || impact.OptimizedAvgTime != 0.1 {
		t.Errorf("time model = %.2f -> %.2f", impact.CurrentAvgTime, impact.OptimizedAvgTime)
	}
	if math.Abs(impact.TimeReductionPct-96) > 1e-9 {
		t.Errorf("TimeReductionPct = %v, want 96", impact.TimeReductionPct)
	}
	if impact.CostReductionPct != 100 {
		t.Errorf("CostReductionPct = %v, want 100", impact.CostReductionPct)
	}
	// 100 calls a day at $0.003 saved per call over 30 days.
	if math.Abs(impact.ProjectedMonthlySavings-9.0) > 1e-9 {
		t.Errorf("ProjectedMonthlySavings = %v, want 9.0", impact.ProjectedMonthlySavings)
	}
}

func TestEstimateImpact_ZeroExecutions(t *testing.T) {
	if got := estimateImpact(0).ProjectedMonthlySavings; got != 0 {
		t.Errorf("ProjectedMonthlySavings = %v, want 0", got)
	}
}

func TestUnionViolations(t *testing.T) {
	a := []validate.Violation{
		{Type: validate.ViolationUnknownMethod, Message: `call to unknown function "eval"`},
	}
	b := []validate.Violation{
		{Type: validate.ViolationUnknownMethod, Message: `call to unknown function "eval"`},
		{Type: validate.ViolationSchemaMismatch, Message: "task declares output keys but the code never returns or assigns a keyed output"},
	}

	got := unionViolations(a, b)
	if len(got) != 2 {
		t.Fatalf("union has %d entries, want 2 (duplicate dropped): %v", len(got), got)
	}
	if got[0] != a[0] || got[1] != b[1] {
		t.Errorf("union order changed: %v", got)
	}

	if got := unionViolations(nil, nil); got != nil {
		t.Errorf("union of nothing = %v", got)
	}
	if got := unionViolations(a, nil); len(got) != 1 {
		t.Errorf("union with empty second list = %v", got)
	}
}
