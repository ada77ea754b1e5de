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

// tempoAdapter reads spans from the Grafana Tempo search API.
type tempoAdapter struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

func NewTempoAdapter(endpoint, apiKey string) Adapter {
	return &tempoAdapter{
		endpoint: strings.TrimRight(endpoint, "/"),
		apiKey:   apiKey,
		client:   &http.Client{Timeout: 30 * time.Second},
	}
}

func (a *tempoAdapter) Name() string { return "tempo" }

func (a *tempoAdapter) Available(ctx context.Context) bool {
	return probeGet(ctx, a.client, a.endpoint+"/api/echo", a.authHeaders())
}

func (a *tempoAdapter) authHeaders() map[string]string {
	if a.apiKey == "" {
		return nil
	}
	return map[string]string{"Authorization": "Bearer " + a.apiKey}
}

type tempoSearchResponse struct {
	Traces []tempoTrace `json:"traces"`
}

type tempoTrace struct {
	TraceID           string         `json:"traceID"`
	RootServiceName   string         `json:"rootServiceName"`
	RootTraceName     string         `json:"rootTraceName"`
	StartTimeUnixNano string         `json:"startTimeUnixNano"`
	DurationMS        float64        `json:"durationMs"`
	SpanSets          []tempoSpanSet `json:"spanSets"`
}

type tempoSpanSet struct {
	Spans []tempoSpan `json:"spans"`
}

type tempoSpan struct {
	SpanID            string           `json:"spanID"`
	Name              string           `json:"name"`
	StartTimeUnixNano string           `json:"startTimeUnixNano"`
	DurationNanos     string           `json:"durationNanos"`
	Attributes        []tempoAttribute `json:"attributes"`
}

type tempoAttribute struct {
	Key   string `json:"key"`
	Value struct {
		StringValue string `json:"stringValue"`
		IntValue    string `json:"intValue"`
	} `json:"value"`
}

func (a *tempoAdapter) QuerySpans(ctx context.Context, filter SpanFilter, tr TimeRange, limit int) ([]Span, error) {
	tr = tr.normalized()
	if limit <= 0 {
		limit = defaultSpanLimit
	}

	// The runtime tags every span of an invocation with task.name, so one
	// search returns roots and tool children alike. spss lifts Tempo's
	// default of three spans per span set, which would drop tool calls.
	params := url.Values{}
	params.Set("q", fmt.Sprintf(`{span.task.name = %q}`, filter.TaskName))
	params.Set("start", strconv.FormatInt(tr.From.Unix(), 10))
	params.Set("end", strconv.FormatInt(tr.To.Unix(), 10))
	params.Set("limit", strconv.Itoa(limit))
	params.Set("spss", "50")

	req, err := http.NewRequestWithContext(ctx, "GET", a.endpoint+"/api/search?"+params.Encode(), nil)
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
		return nil, fmt.Errorf("tempo query failed with status %d: %s", resp.StatusCode, string(body))
	}

	var parsed tempoSearchResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	var spans []Span
	for _, t := range parsed.Traces {
		for _, set := range t.SpanSets {
			for _, s := range set.Spans {
				nanos, err := strconv.ParseInt(s.StartTimeUnixNano, 10, 64)
				if err != nil {
					continue
				}
				durNanos, err := strconv.ParseInt(s.DurationNanos, 10, 64)
				if err != nil {
					continue
				}
				attrs := make(map[string]string, len(s.Attributes))
				for _, attr := range s.Attributes {
					v := attr.Value.StringValue
					if v == "" {
						v = attr.Value.IntValue
					}
					attrs[attr.Key] = v
				}
				spans = append(spans, Span{
					SpanID:     s.SpanID,
					TraceID:    t.TraceID,
					Name:       s.Name,
					Timestamp:  time.Unix(0, nanos),
					DurationMS: float64(durNanos) / 1e6,
					Attributes: attrs,
				})
			}
		}
	}
	return spans, nil
}

func (a *tempoAdapter) ExtractTaskData(spans []Span) []ExecutionRecord {
	return extractRecords(spans)
}
