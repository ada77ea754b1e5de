package trace

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"tasksmith/internal/logging"
)

// Adapter normalizes one tracing backend's query protocol. Every
// implementation returns the identical normalized span and record
// shapes; only the wire protocol differs.
type Adapter interface {
	Name() string
	// Available is a cheap probe. It must not panic and should come
	// back quickly even when the endpoint is dead.
	Available(ctx context.Context) bool
	QuerySpans(ctx context.Context, filter SpanFilter, tr TimeRange, limit int) ([]Span, error)
	ExtractTaskData(spans []Span) []ExecutionRecord
}

// ResolveAdapter probes the configured endpoint and returns the first
// backend that responds. An explicit backend name is tried first; when
// its probe fails, resolution falls through to the fixed auto-detection
// order signoz → jaeger → tempo. Nil means no backend is reachable and
// learning stays inactive.
func ResolveAdapter(ctx context.Context, endpoint, apiKey, backend string) Adapter {
	if endpoint == "" {
		return nil
	}

	candidates := []Adapter{
		NewSigNozAdapter(endpoint, apiKey),
		NewJaegerAdapter(endpoint, apiKey),
		NewTempoAdapter(endpoint, apiKey),
	}

	if backend != "" {
		for _, candidate := range candidates {
			if candidate.Name() != backend {
				continue
			}
			ok := candidate.Available(ctx)
			logging.Audit().BackendProbe(candidate.Name(), endpoint, ok)
			if ok {
				logging.Audit().BackendResolved(candidate.Name(), endpoint)
				logging.Trace("using configured %s backend at %s", candidate.Name(), endpoint)
				return candidate
			}
			logging.TraceWarn("configured backend %q did not respond; trying auto-detection", backend)
		}
	}

	for _, candidate := range candidates {
		ok := candidate.Available(ctx)
		logging.Audit().BackendProbe(candidate.Name(), endpoint, ok)
		if ok {
			logging.Audit().BackendResolved(candidate.Name(), endpoint)
			logging.Trace("auto-detected %s backend at %s", candidate.Name(), endpoint)
			return candidate
		}
	}

	logging.TraceWarn("no tracing backend responded at %s", endpoint)
	return nil
}

// extractRecords rebuilds execution records from normalized spans.
// Spans sharing a TraceID form one invocation: the task root span
// supplies inputs and duration, child spans with a gen_ai tool name
// supply the ordered tool calls. Traces with neither are skipped.
func extractRecords(spans []Span) []ExecutionRecord {
	var order []string
	groups := make(map[string][]Span)
	for _, span := range spans {
		if _, ok := groups[span.TraceID]; !ok {
			order = append(order, span.TraceID)
		}
		groups[span.TraceID] = append(groups[span.TraceID], span)
	}

	records := make([]ExecutionRecord, 0, len(order))
	for _, traceID := range order {
		group := groups[traceID]
		sort.SliceStable(group, func(i, j int) bool {
			return group[i].Timestamp.Before(group[j].Timestamp)
		})

		record := ExecutionRecord{Inputs: map[string]any{}}
		sawRoot := false
		for _, span := range group {
			if !sawRoot && isTaskRoot(span) {
				sawRoot = true
				record.DurationMS = span.DurationMS
				for key, value := range span.Attributes {
					if name, ok := strings.CutPrefix(key, attrInputPrefix); ok && name != "" {
						record.Inputs[name] = value
					}
				}
			}

			toolName := span.Attributes[attrToolName]
			if toolName == "" {
				continue
			}
			call := ToolCall{ToolName: toolName}
			if raw := span.Attributes[attrToolArguments]; raw != "" {
				var args map[string]any
				if err := json.Unmarshal([]byte(raw), &args); err == nil {
					call.Arguments = args
				}
			}
			if raw := span.Attributes[attrToolResult]; raw != "" {
				var parsed any
				if err := json.Unmarshal([]byte(raw), &parsed); err == nil {
					call.Result = parsed
				} else {
					call.Result = raw
				}
			}
			record.ToolCalls = append(record.ToolCalls, call)
		}

		if !sawRoot && len(record.ToolCalls) == 0 {
			continue
		}
		records = append(records, record)
	}
	return records
}

func isTaskRoot(span Span) bool {
	if _, ok := span.Attributes[attrTaskName]; ok {
		return true
	}
	return strings.HasPrefix(span.Name, "task.")
}

// probeGet issues the availability check shared by the HTTP adapters.
// A probe without a caller deadline gets a short one of its own.
func probeGet(ctx context.Context, client *http.Client, url string, headers map[string]string) bool {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	return resp.StatusCode == http.StatusOK
}
