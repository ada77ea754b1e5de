// Package trace queries execution traces for agent tasks from a tracing
// backend (SigNoz, Jaeger, or Tempo), normalizes them into execution
// records, and computes the pattern-consistency statistics that drive
// optimization decisions.
package trace

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Span attribute conventions shared by every adapter. The agent runtime
// records task inputs/outputs on the task root span and tool calls on
// gen_ai child spans.
const (
	attrTaskName      = "task.name"
	attrInputPrefix   = "task.input."
	attrOutputPrefix  = "task.output."
	attrToolName      = "gen_ai.tool.name"
	attrToolArguments = "gen_ai.tool.arguments"
	attrToolResult    = "gen_ai.tool.result"
)

// defaultSpanLimit caps a single backend query when the caller passes no
// limit of its own.
const defaultSpanLimit = 1000

// Span is the adapter-normalized unit of trace data. Read-only once
// produced.
type Span struct {
	SpanID     string
	TraceID    string
	Name       string
	Timestamp  time.Time
	DurationMS float64
	Attributes map[string]string
}

// SpanFilter narrows a span query.
type SpanFilter struct {
	TaskName string
}

// ToolCall is one tool invocation observed inside an execution.
type ToolCall struct {
	ToolName  string
	Arguments map[string]any
	Result    any
}

// ExecutionRecord is one task invocation reconstructed from the spans
// sharing a trace. Transient; never persisted.
type ExecutionRecord struct {
	Inputs     map[string]any
	ToolCalls  []ToolCall
	DurationMS float64
}

// ToolSequence renders the ordered tool names of the record.
func (r ExecutionRecord) ToolSequence() string {
	names := make([]string, 0, len(r.ToolCalls))
	for _, call := range r.ToolCalls {
		names = append(names, call.ToolName)
	}
	return strings.Join(names, " → ")
}

// PatternAnalysis is the outcome of consistency analysis for one task.
type PatternAnalysis struct {
	TaskName             string
	ExecutionCount       int
	ConsistencyScore     float64
	ConsistencyThreshold float64
	ReadyForLearning     bool
	CommonPattern        string
	InputSignatureCount  int
	Reason               string
}

// TimeRange bounds a trace query. The zero value means the last 24
// hours at query time.
type TimeRange struct {
	From time.Time
	To   time.Time
}

// Seconds returns the range covering the last n seconds.
func Seconds(n int) TimeRange {
	now := time.Now()
	return TimeRange{From: now.Add(-time.Duration(n) * time.Second), To: now}
}

func (tr TimeRange) normalized() TimeRange {
	if tr.To.IsZero() {
		tr.To = time.Now()
	}
	if tr.From.IsZero() {
		tr.From = tr.To.Add(-24 * time.Hour)
	}
	return tr
}

// InputSignature computes the deterministic grouping key for a set of
// task inputs: keys sorted, k=v stringified, joined with "|". Empty
// inputs map to "empty".
func InputSignature(inputs map[string]any) string {
	if len(inputs) == 0 {
		return "empty"
	}

	keys := make([]string, 0, len(inputs))
	for k := range inputs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, inputs[k]))
	}
	return strings.Join(parts, "|")
}
