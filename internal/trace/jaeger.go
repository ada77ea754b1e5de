package trace

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// jaegerServiceName scopes trace queries. Jaeger's /api/traces endpoint
// requires a service parameter; the agent runtime registers under this name.
const jaegerServiceName = "agent-runtime"

// jaegerAdapter reads spans from the Jaeger query service HTTP API.
type jaegerAdapter struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

func NewJaegerAdapter(endpoint, apiKey string) Adapter {
	return &jaegerAdapter{
		endpoint: strings.TrimRight(endpoint, "/"),
		apiKey:   apiKey,
		client:   &http.Client{Timeout: 30 * time.Second},
	}
}

func (a *jaegerAdapter) Name() string { return "jaeger" }

func (a *jaegerAdapter) Available(ctx context.Context) bool {
	return probeGet(ctx, a.client, a.endpoint+"/api/services", a.authHeaders())
}

func (a *jaegerAdapter) authHeaders() map[string]string {
	if a.apiKey == "" {
		return nil
	}
	return map[string]string{"Authorization": "Bearer " + a.apiKey}
}

type jaegerQueryResponse struct {
	Data []jaegerTrace `json:"data"`
}

type jaegerTrace struct {
	TraceID string       `json:"traceID"`
	Spans   []jaegerSpan `json:"spans"`
}

type jaegerSpan struct {
	TraceID       string      `json:"traceID"`
	SpanID        string      `json:"spanID"`
	OperationName string      `json:"operationName"`
	StartTime     int64       `json:"startTime"` // unix microseconds
	Duration      int64       `json:"duration"`  // microseconds
	Tags          []jaegerTag `json:"tags"`
}

type jaegerTag struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}

func (a *jaegerAdapter) QuerySpans(ctx context.Context, filter SpanFilter, tr TimeRange, limit int) ([]Span, error) {
	tr = tr.normalized()
	if limit <= 0 {
		limit = defaultSpanLimit
	}

	tags, err := json.Marshal(map[string]string{attrTaskName: filter.TaskName})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal tags: %w", err)
	}

	params := url.Values{}
	params.Set("service", jaegerServiceName)
	params.Set("tags", string(tags))
	params.Set("limit", strconv.Itoa(limit))
	params.Set("start", strconv.FormatInt(tr.From.UnixMicro(), 10))
	params.Set("end", strconv.FormatInt(tr.To.UnixMicro(), 10))

	req, err := http.NewRequestWithContext(ctx, "GET", a.endpoint+"/api/traces?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for k, v := range a.authHeaders() {
		req.Header.Set(k, v)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("jaeger query failed with status %d: %s", resp.StatusCode, string(body))
	}

	var parsed jaegerQueryResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	var spans []Span
	for _, t := range parsed.Data {
		for _, s := range t.Spans {
			traceID := s.TraceID
			if traceID == "" {
				traceID = t.TraceID
			}
			attrs := make(map[string]string, len(s.Tags))
			for _, tag := range s.Tags {
				attrs[tag.Key] = fmt.Sprintf("%v", tag.Value)
			}
			spans = append(spans, Span{
				SpanID:     s.SpanID,
				TraceID:    traceID,
				Name:       s.OperationName,
				Timestamp:  time.UnixMicro(s.StartTime),
				DurationMS: float64(s.Duration) / 1000,
				Attributes: attrs,
			})
		}
	}
	return spans, nil
}

func (a *jaegerAdapter) ExtractTaskData(spans []Span) []ExecutionRecord {
	return extractRecords(spans)
}
