package trace

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"tasksmith/internal/config"
)

type mockAdapter struct {
	name       string
	available  bool
	querySpans func(ctx context.Context, filter SpanFilter, tr TimeRange, limit int) ([]Span, error)
	extract    func(spans []Span) []ExecutionRecord
}

func (m *mockAdapter) Name() string { return m.name }

func (m *mockAdapter) Available(ctx context.Context) bool { return m.available }

func (m *mockAdapter) QuerySpans(ctx context.Context, filter SpanFilter, tr TimeRange, limit int) ([]Span, error) {
	if m.querySpans != nil {
		return m.querySpans(ctx, filter, tr, limit)
	}
	return nil, nil
}

func (m *mockAdapter) ExtractTaskData(spans []Span) []ExecutionRecord {
	if m.extract != nil {
		return m.extract(spans)
	}
	return nil
}

func makeRecords(n int, inputs map[string]any, tools ...string) []ExecutionRecord {
	calls := make([]ToolCall, len(tools))
	for i, name := range tools {
		calls[i] = ToolCall{ToolName: name}
	}
	records := make([]ExecutionRecord, n)
	for i := range records {
		records[i] = ExecutionRecord{Inputs: inputs, ToolCalls: calls}
	}
	return records
}

func newTestAnalyzer(records []ExecutionRecord) *Analyzer {
	adapter := &mockAdapter{
		name:      "mock",
		available: true,
		extract:   func([]Span) []ExecutionRecord { return records },
	}
	return NewAnalyzer(config.DefaultConfig(), WithAdapter(adapter))
}

func TestAnalyzePatterns_UniformExecutions(t *testing.T) {
	an := newTestAnalyzer(makeRecords(12, map[string]any{"source": "queue"}, "fetch", "transform"))

	analysis := an.AnalyzePatterns(context.Background(), "sync_orders", 10, 0.85, TimeRange{})
	if analysis == nil {
		t.Fatal("expected an analysis")
	}
	if analysis.ExecutionCount != 12 {
		t.Errorf("ExecutionCount = %d, want 12", analysis.ExecutionCount)
	}
	if analysis.ConsistencyScore != 1.0 {
		t.Errorf("ConsistencyScore = %v, want 1.0", analysis.ConsistencyScore)
	}
	if !analysis.ReadyForLearning {
		t.Error("expected ReadyForLearning")
	}
	if analysis.CommonPattern != "fetch → transform" {
		t.Errorf("CommonPattern = %q", analysis.CommonPattern)
	}
	if analysis.InputSignatureCount != 1 {
		t.Errorf("InputSignatureCount = %d, want 1", analysis.InputSignatureCount)
	}
	if analysis.Reason != "" {
		t.Errorf("ready analysis must carry no reason, got %q", analysis.Reason)
	}
}

func TestAnalyzePatterns_TooFewExecutions(t *testing.T) {
	an := newTestAnalyzer(makeRecords(8, map[string]any{"source": "queue"}, "fetch"))

	analysis := an.AnalyzePatterns(context.Background(), "sync_orders", 10, 0.85, TimeRange{})
	if analysis == nil {
		t.Fatal("expected an analysis")
	}
	if analysis.ReadyForLearning {
		t.Error("8 executions must not be ready")
	}
	if analysis.Reason != "Need 2 more executions" {
		t.Errorf("Reason = %q, want \"Need 2 more executions\"", analysis.Reason)
	}
	if analysis.ConsistencyScore != 0 {
		t.Errorf("score must stay zero before the minimum, got %v", analysis.ConsistencyScore)
	}
}

func TestAnalyzePatterns_NoExecutions(t *testing.T) {
	an := newTestAnalyzer(nil)
	if got := an.AnalyzePatterns(context.Background(), "sync_orders", 10, 0.85, TimeRange{}); got != nil {
		t.Errorf("expected nil analysis, got %+v", got)
	}
}

func TestAnalyzePatterns_WeightedConsistency(t *testing.T) {
	// Group a: 15 executions, modal sequence covers 12 of them (0.8).
	// Group b: 5 uniform executions (1.0).
	// Overall: 0.75*0.8 + 0.25*1.0 = 0.85, ready at an inclusive 0.85.
	var records []ExecutionRecord
	records = append(records, makeRecords(12, map[string]any{"type": "a"}, "search", "summarize")...)
	records = append(records, makeRecords(3, map[string]any{"type": "a"}, "search")...)
	records = append(records, makeRecords(5, map[string]any{"type": "b"}, "lookup")...)

	an := newTestAnalyzer(records)
	analysis := an.AnalyzePatterns(context.Background(), "triage", 10, 0.85, TimeRange{})
	if analysis == nil {
		t.Fatal("expected an analysis")
	}
	if math.Abs(analysis.ConsistencyScore-0.85) > 1e-9 {
		t.Errorf("ConsistencyScore = %v, want 0.85", analysis.ConsistencyScore)
	}
	if !analysis.ReadyForLearning {
		t.Error("threshold boundary must be inclusive")
	}
	if analysis.InputSignatureCount != 2 {
		t.Errorf("InputSignatureCount = %d, want 2", analysis.InputSignatureCount)
	}
	// Per-group modals tie at one occurrence each; the first-encountered
	// group's modal wins.
	if analysis.CommonPattern != "search → summarize" {
		t.Errorf("CommonPattern = %q", analysis.CommonPattern)
	}
}

func TestAnalyzePatterns_BelowThreshold(t *testing.T) {
	var records []ExecutionRecord
	records = append(records, makeRecords(6, map[string]any{"k": 1}, "fetch", "transform")...)
	records = append(records, makeRecords(4, map[string]any{"k": 1}, "fetch")...)

	an := newTestAnalyzer(records)
	analysis := an.AnalyzePatterns(context.Background(), "triage", 10, 0.85, TimeRange{})
	if analysis == nil {
		t.Fatal("expected an analysis")
	}
	if math.Abs(analysis.ConsistencyScore-0.6) > 1e-9 {
		t.Errorf("ConsistencyScore = %v, want 0.6", analysis.ConsistencyScore)
	}
	if analysis.ReadyForLearning {
		t.Error("0.6 must not clear a 0.85 threshold")
	}
	if analysis.Reason == "" {
		t.Error("below-threshold analysis must explain itself")
	}
	if analysis.CommonPattern != "fetch → transform" {
		t.Errorf("CommonPattern = %q", analysis.CommonPattern)
	}
}

func TestQueryTaskTraces_BackendErrorDegrades(t *testing.T) {
	adapter := &mockAdapter{
		name:      "mock",
		available: true,
		querySpans: func(context.Context, SpanFilter, TimeRange, int) ([]Span, error) {
			return nil, errors.New("backend on fire")
		},
	}
	an := NewAnalyzer(config.DefaultConfig(), WithAdapter(adapter))

	if got := an.QueryTaskTraces(context.Background(), "sync_orders", 100, TimeRange{}); len(got) != 0 {
		t.Errorf("backend errors must degrade to empty, got %d records", len(got))
	}
	if got := an.AnalyzePatterns(context.Background(), "sync_orders", 10, 0.85, TimeRange{}); got != nil {
		t.Errorf("expected nil analysis on backend failure, got %+v", got)
	}
}

func TestAnalyzerWithoutBackend(t *testing.T) {
	cfg := config.DefaultConfig() // no endpoint configured
	an := NewAnalyzer(cfg)

	if an.Available() {
		t.Error("no endpoint must mean unavailable")
	}
	if got := an.Backend(); got != "" {
		t.Errorf("Backend() = %q, want empty", got)
	}
	if got := an.QueryTaskTraces(context.Background(), "sync_orders", 100, TimeRange{}); len(got) != 0 {
		t.Errorf("expected no records, got %d", len(got))
	}
	if got := an.AnalyzePatterns(context.Background(), "sync_orders", 10, 0.85, TimeRange{}); got != nil {
		t.Errorf("expected nil analysis, got %+v", got)
	}
}

func TestAnalyzePatterns_UsesConfiguredQueryLimit(t *testing.T) {
	var seenLimit int
	adapter := &mockAdapter{
		name:      "mock",
		available: true,
		querySpans: func(_ context.Context, _ SpanFilter, _ TimeRange, limit int) ([]Span, error) {
			seenLimit = limit
			return nil, nil
		},
	}
	an := NewAnalyzer(config.DefaultConfig(), WithAdapter(adapter))

	an.AnalyzePatterns(context.Background(), "sync_orders", 10, 0.85, TimeRange{})
	if seenLimit != 1000 {
		t.Errorf("query limit = %d, want the configured 1000", seenLimit)
	}
}

func TestAnalyzePatterns_ExplicitTimeRange(t *testing.T) {
	var seen TimeRange
	adapter := &mockAdapter{
		name:      "mock",
		available: true,
		querySpans: func(_ context.Context, _ SpanFilter, tr TimeRange, _ int) ([]Span, error) {
			seen = tr
			return nil, nil
		},
	}
	an := NewAnalyzer(config.DefaultConfig(), WithAdapter(adapter))

	from := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	to := from.Add(6 * time.Hour)
	an.AnalyzePatterns(context.Background(), "sync_orders", 10, 0.85, TimeRange{From: from, To: to})

	if !seen.From.Equal(from) || !seen.To.Equal(to) {
		t.Errorf("time range %v..%v did not reach the span query, saw %v..%v", from, to, seen.From, seen.To)
	}
}

func TestModalSequence(t *testing.T) {
	tests := []struct {
		name      string
		values    []string
		want      string
		wantCount int
	}{
		{"clear winner", []string{"a", "b", "a"}, "a", 2},
		{"tie goes to first encountered", []string{"x", "y", "y", "x"}, "x", 2},
		{"single value", []string{"a"}, "a", 1},
		{"empty", nil, "", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, count := modalSequence(tt.values)
			if got != tt.want || count != tt.wantCount {
				t.Errorf("modalSequence(%v) = (%q, %d), want (%q, %d)", tt.values, got, count, tt.want, tt.wantCount)
			}
		})
	}
}

func TestWeightedConsistency_MultipleUniformGroups(t *testing.T) {
	var records []ExecutionRecord
	records = append(records, makeRecords(6, map[string]any{"g": 1}, "a", "b")...)
	records = append(records, makeRecords(6, map[string]any{"g": 2}, "c")...)

	score, common, groups := weightedConsistency(records)
	if score != 1.0 {
		t.Errorf("uniform groups must score 1.0, got %v", score)
	}
	if groups != 2 {
		t.Errorf("groups = %d, want 2", groups)
	}
	if common != "a → b" {
		t.Errorf("tie must go to the first-encountered modal, got %q", common)
	}
}
