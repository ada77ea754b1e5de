package trace

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// signozTraceTable is the SigNoz v3 trace index. Older deployments alias
// distributed_signoz_index_v3 to the single-node table, so this name works
// for both.
const signozTraceTable = "signoz_traces.distributed_signoz_index_v3"

// signozAdapter reads spans from SigNoz, either through the query service
// HTTP API or directly from the underlying ClickHouse store when the
// endpoint uses a clickhouse:// or tcp:// scheme.
type signozAdapter struct {
	endpoint string
	apiKey   string
	client   *http.Client
	conn     driver.Conn
	direct   bool
}

// NewSigNozAdapter builds an adapter for the given endpoint. A failed
// ClickHouse open is not an error here; it surfaces as Available() == false.
func NewSigNozAdapter(endpoint, apiKey string) Adapter {
	a := &signozAdapter{
		endpoint: strings.TrimRight(endpoint, "/"),
		apiKey:   apiKey,
		client:   &http.Client{Timeout: 30 * time.Second},
	}

	if u, err := url.Parse(endpoint); err == nil && (u.Scheme == "clickhouse" || u.Scheme == "tcp") {
		a.direct = true
		opts := &clickhouse.Options{
			Addr: []string{u.Host},
			Auth: clickhouse.Auth{Database: "signoz_traces"},
		}
		if u.User != nil {
			opts.Auth.Username = u.User.Username()
			if pw, ok := u.User.Password(); ok {
				opts.Auth.Password = pw
			}
		}
		if conn, err := clickhouse.Open(opts); err == nil {
			a.conn = conn
		}
	}

	return a
}

func (a *signozAdapter) Name() string { return "signoz" }

func (a *signozAdapter) Available(ctx context.Context) bool {
	if a.direct {
		if a.conn == nil {
			return false
		}
		if _, ok := ctx.Deadline(); !ok {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
		}
		return a.conn.Ping(ctx) == nil
	}

	headers := map[string]string{}
	if a.apiKey != "" {
		headers["SIGNOZ-API-KEY"] = a.apiKey
	}
	return probeGet(ctx, a.client, a.endpoint+"/api/v1/version", headers)
}

func (a *signozAdapter) QuerySpans(ctx context.Context, filter SpanFilter, tr TimeRange, limit int) ([]Span, error) {
	tr = tr.normalized()
	if limit <= 0 {
		limit = defaultSpanLimit
	}
	if a.direct {
		return a.queryClickHouse(ctx, filter, tr, limit)
	}
	return a.queryHTTP(ctx, filter, tr, limit)
}

func (a *signozAdapter) ExtractTaskData(spans []Span) []ExecutionRecord {
	return extractRecords(spans)
}

// signozQueryRequest is the v4 query_range payload. Start and End are unix
// milliseconds; the API rejects second or nanosecond precision.
type signozQueryRequest struct {
	Start          int64                `json:"start"`
	End            int64                `json:"end"`
	Step           int64                `json:"step"`
	CompositeQuery signozCompositeQuery `json:"compositeQuery"`
}

type signozCompositeQuery struct {
	QueryType      string                        `json:"queryType"`
	PanelType      string                        `json:"panelType"`
	BuilderQueries map[string]signozBuilderQuery `json:"builderQueries"`
}

type signozBuilderQuery struct {
	QueryName         string          `json:"queryName"`
	DataSource        string          `json:"dataSource"`
	AggregateOperator string          `json:"aggregateOperator"`
	Expression        string          `json:"expression"`
	Filters           signozFilterSet `json:"filters"`
	Limit             int             `json:"limit"`
	OrderBy           []signozOrderBy `json:"orderBy"`
}

type signozFilterSet struct {
	Op    string             `json:"op"`
	Items []signozFilterItem `json:"items"`
}

type signozFilterItem struct {
	Key   signozKey `json:"key"`
	Op    string    `json:"op"`
	Value any       `json:"value"`
}

type signozKey struct {
	Key      string `json:"key"`
	DataType string `json:"dataType"`
	Type     string `json:"type"`
	IsColumn bool   `json:"isColumn"`
}

type signozOrderBy struct {
	ColumnName string `json:"columnName"`
	Order      string `json:"order"`
}

type signozQueryResponse struct {
	Data struct {
		Result []struct {
			List []signozRow `json:"list"`
		} `json:"result"`
	} `json:"data"`
}

type signozRow struct {
	Timestamp string `json:"timestamp"`
	Data      struct {
		SpanID           string            `json:"spanID"`
		TraceID          string            `json:"traceID"`
		Name             string            `json:"name"`
		DurationNano     float64           `json:"durationNano"`
		AttributesString map[string]string `json:"attributes_string"`
	} `json:"data"`
}

func (a *signozAdapter) queryHTTP(ctx context.Context, filter SpanFilter, tr TimeRange, limit int) ([]Span, error) {
	// Match both root spans (name contains the task) and tool spans tagged
	// with task.name, so one query returns the whole invocation tree.
	query := signozQueryRequest{
		Start: tr.From.UnixMilli(),
		End:   tr.To.UnixMilli(),
		Step:  60,
		CompositeQuery: signozCompositeQuery{
			QueryType: "builder",
			PanelType: "list",
			BuilderQueries: map[string]signozBuilderQuery{
				"A": {
					QueryName:         "A",
					DataSource:        "traces",
					AggregateOperator: "noop",
					Expression:        "A",
					Filters: signozFilterSet{
						Op: "OR",
						Items: []signozFilterItem{
							{
								Key:   signozKey{Key: "name", DataType: "string", Type: "tag", IsColumn: true},
								Op:    "contains",
								Value: filter.TaskName,
							},
							{
								Key:   signozKey{Key: attrTaskName, DataType: "string", Type: "tag"},
								Op:    "=",
								Value: filter.TaskName,
							},
						},
					},
					Limit:   limit,
					OrderBy: []signozOrderBy{{ColumnName: "timestamp", Order: "desc"}},
				},
			},
		},
	}

	jsonData, err := json.Marshal(query)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal query: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", a.endpoint+"/api/v4/query_range", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if a.apiKey != "" {
		req.Header.Set("SIGNOZ-API-KEY", a.apiKey)
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
		return nil, fmt.Errorf("signoz query failed with status %d: %s", resp.StatusCode, string(body))
	}

	var parsed signozQueryResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	var spans []Span
	for _, result := range parsed.Data.Result {
		for _, row := range result.List {
			ts, err := time.Parse(time.RFC3339Nano, row.Timestamp)
			if err != nil {
				continue
			}
			spans = append(spans, Span{
				SpanID:     row.Data.SpanID,
				TraceID:    row.Data.TraceID,
				Name:       row.Data.Name,
				Timestamp:  ts,
				DurationMS: row.Data.DurationNano / 1e6,
				Attributes: row.Data.AttributesString,
			})
		}
	}
	return spans, nil
}

func (a *signozAdapter) queryClickHouse(ctx context.Context, filter SpanFilter, tr TimeRange, limit int) ([]Span, error) {
	if a.conn == nil {
		return nil, fmt.Errorf("clickhouse connection is not open")
	}

	query := `
		SELECT trace_id, span_id, name, timestamp, duration_nano, attributes_string
		FROM ` + signozTraceTable + `
		WHERE timestamp BETWEEN ? AND ?
		  AND (name ILIKE ? OR attributes_string['task.name'] = ?)
		ORDER BY timestamp DESC
		LIMIT ?`

	rows, err := a.conn.Query(ctx, query,
		tr.From, tr.To,
		"%"+filter.TaskName+"%", filter.TaskName,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("clickhouse query failed: %w", err)
	}
	defer rows.Close()

	var spans []Span
	for rows.Next() {
		var (
			traceID, spanID, name string
			ts                    time.Time
			durationNano          uint64
			attrs                 map[string]string
		)
		if err := rows.Scan(&traceID, &spanID, &name, &ts, &durationNano, &attrs); err != nil {
			continue
		}
		spans = append(spans, Span{
			SpanID:     spanID,
			TraceID:    traceID,
			Name:       name,
			Timestamp:  ts,
			DurationMS: float64(durationNano) / 1e6,
			Attributes: attrs,
		})
	}
	return spans, rows.Err()
}
