package trace

import (
	"context"
	"fmt"
	"time"

	"tasksmith/internal/config"
	"tasksmith/internal/logging"
)

// Analyzer resolves a tracing backend once and answers pattern questions
// about recorded task executions. A nil adapter (no backend responded)
// is a valid state: every query then returns empty without error.
type Analyzer struct {
	cfg     *config.Config
	adapter Adapter
}

// Option customizes analyzer construction.
type Option func(*Analyzer)

// WithAdapter injects a backend adapter directly, bypassing endpoint
// resolution. Tests use this to run without a network.
func WithAdapter(a Adapter) Option {
	return func(an *Analyzer) { an.adapter = a }
}

// NewAnalyzer resolves the configured backend and pins it for the
// analyzer's lifetime.
func NewAnalyzer(cfg *config.Config, opts ...Option) *Analyzer {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	an := &Analyzer{cfg: cfg}
	for _, opt := range opts {
		opt(an)
	}
	if an.adapter == nil {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.GetQueryTimeout())
		defer cancel()
		an.adapter = ResolveAdapter(ctx, cfg.Backend.Endpoint, cfg.Backend.APIKey, cfg.Backend.Name)
	}
	return an
}

// Available reports whether a tracing backend responded during resolution.
func (a *Analyzer) Available() bool { return a.adapter != nil }

// Backend returns the resolved backend name, or "" when none responded.
func (a *Analyzer) Backend() string {
	if a.adapter == nil {
		return ""
	}
	return a.adapter.Name()
}

// QueryTaskTraces fetches execution records for one task. A zero limit
// takes the configured query limit and a zero tr the configured lookback
// window. Backend failures degrade to an empty result so callers can
// always range over it.
func (a *Analyzer) QueryTaskTraces(ctx context.Context, taskName string, limit int, tr TimeRange) []ExecutionRecord {
	if a.adapter == nil {
		return nil
	}
	if limit <= 0 {
		limit = a.cfg.Learning.QueryLimit
	}
	if tr.From.IsZero() && tr.To.IsZero() {
		tr = TimeRange{From: time.Now().Add(-a.cfg.GetTimeRange())}
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.cfg.GetQueryTimeout())
		defer cancel()
	}

	tr = tr.normalized()
	timer := logging.StartTimer(logging.CategoryTrace, fmt.Sprintf("span query for %q", taskName))
	spans, err := a.adapter.QuerySpans(ctx, SpanFilter{TaskName: taskName}, tr, limit)
	elapsed := timer.StopWithThreshold(5 * time.Second)
	logging.Audit().BackendQuery(a.adapter.Name(), taskName, len(spans), elapsed.Milliseconds(), err)
	if err != nil {
		logging.TraceWarn("span query for %q via %s failed: %v", taskName, a.adapter.Name(), err)
		return nil
	}

	records := a.adapter.ExtractTaskData(spans)
	logging.TraceDebug("%s returned %d spans, %d executions for %q", a.adapter.Name(), len(spans), len(records), taskName)
	return records
}

// AnalyzePatterns scores how consistently a task's recorded executions use
// the same tool sequence. A zero tr falls back to the configured lookback
// window. Returns nil when the task has no executions at all (including
// when no backend is available).
func (a *Analyzer) AnalyzePatterns(ctx context.Context, taskName string, minExecutions int, threshold float64, tr TimeRange) *PatternAnalysis {
	records := a.QueryTaskTraces(ctx, taskName, 0, tr)
	if len(records) == 0 {
		return nil
	}

	analysis := &PatternAnalysis{
		TaskName:             taskName,
		ExecutionCount:       len(records),
		ConsistencyThreshold: threshold,
	}

	if len(records) < minExecutions {
		analysis.Reason = fmt.Sprintf("Need %d more executions", minExecutions-len(records))
		logging.Analysis("%s: %d executions, below minimum %d", taskName, len(records), minExecutions)
		logging.Audit().AnalysisRun(taskName, len(records), 0, false)
		return analysis
	}

	score, common, groups := weightedConsistency(records)
	analysis.ConsistencyScore = score
	analysis.CommonPattern = common
	analysis.InputSignatureCount = groups
	analysis.ReadyForLearning = score >= threshold
	if !analysis.ReadyForLearning {
		analysis.Reason = fmt.Sprintf("Consistency %.2f below threshold %.2f", score, threshold)
	}

	logging.Analysis("%s: %d executions across %d input groups, consistency %.2f, pattern %q",
		taskName, len(records), groups, score, common)
	logging.Audit().AnalysisRun(taskName, len(records), score, analysis.ReadyForLearning)
	return analysis
}

// weightedConsistency groups records by input signature and scores each
// group by the share of its modal tool sequence, weighting groups by size.
// The common pattern is the modal value among the per-group modals.
func weightedConsistency(records []ExecutionRecord) (score float64, common string, groupCount int) {
	var order []string
	groups := map[string][]string{}
	for _, r := range records {
		sig := InputSignature(r.Inputs)
		if _, ok := groups[sig]; !ok {
			order = append(order, sig)
		}
		groups[sig] = append(groups[sig], r.ToolSequence())
	}

	total := float64(len(records))
	modals := make([]string, 0, len(order))
	for _, sig := range order {
		seqs := groups[sig]
		modal, freq := modalSequence(seqs)
		score += (float64(len(seqs)) / total) * (float64(freq) / float64(len(seqs)))
		modals = append(modals, modal)
	}

	common, _ = modalSequence(modals)
	return score, common, len(order)
}

// modalSequence returns the most frequent value and its count. Ties go to
// the value encountered first.
func modalSequence(values []string) (string, int) {
	counts := map[string]int{}
	var order []string
	for _, v := range values {
		if _, ok := counts[v]; !ok {
			order = append(order, v)
		}
		counts[v]++
	}

	best, bestCount := "", 0
	for _, v := range order {
		if counts[v] > bestCount {
			best, bestCount = v, counts[v]
		}
	}
	return best, bestCount
}
