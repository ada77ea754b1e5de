package trace

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestJaegerQuerySpans(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/traces" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		q := r.URL.Query()
		if q.Get("service") == "" {
			t.Error("service parameter is required")
		}
		var tags map[string]string
		if err := json.Unmarshal([]byte(q.Get("tags")), &tags); err != nil {
			t.Errorf("tags must be JSON: %v", err)
		} else if tags["task.name"] != "fetch_invoice" {
			t.Errorf("unexpected tags: %v", tags)
		}
		if q.Get("start") == "" || q.Get("end") == "" {
			t.Error("start/end are required")
		}
		if got := r.Header.Get("Authorization"); got != "Bearer jt" {
			t.Errorf("expected bearer auth, got %q", got)
		}

		w.Write([]byte(`{"data": [{"traceID": "t1", "spans": [
			{"spanID": "s1", "operationName": "task.fetch_invoice",
			 "startTime": 1755683100000000, "duration": 2500000,
			 "tags": [{"key": "task.name", "value": "fetch_invoice"},
			          {"key": "retry", "value": 2}]},
			{"traceID": "t1", "spanID": "s2", "operationName": "execute_tool",
			 "startTime": 1755683101000000, "duration": 120000,
			 "tags": [{"key": "gen_ai.tool.name", "value": "fetch"}]}
		]}]}`))
	}))
	defer ts.Close()

	a := NewJaegerAdapter(ts.URL, "jt")
	spans, err := a.QuerySpans(context.Background(), SpanFilter{TaskName: "fetch_invoice"}, Seconds(3600), 50)
	if err != nil {
		t.Fatalf("QuerySpans: %v", err)
	}

	if len(spans) != 2 {
		t.Fatalf("expected 2 spans, got %d", len(spans))
	}
	if spans[0].TraceID != "t1" {
		t.Errorf("span without its own traceID must inherit the trace's: %+v", spans[0])
	}
	if spans[0].DurationMS != 2500 {
		t.Errorf("DurationMS = %v, want 2500", spans[0].DurationMS)
	}
	if spans[0].Attributes["retry"] != "2" {
		t.Errorf("numeric tag must stringify, got %q", spans[0].Attributes["retry"])
	}
	if !spans[0].Timestamp.Equal(time.UnixMicro(1755683100000000)) {
		t.Errorf("timestamp = %v", spans[0].Timestamp)
	}
	if spans[1].Attributes["gen_ai.tool.name"] != "fetch" {
		t.Errorf("tool tag missing: %+v", spans[1].Attributes)
	}
}

func TestJaegerAvailable(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/services" {
			w.Write([]byte(`{"data": ["agent-runtime"]}`))
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer ts.Close()

	if !NewJaegerAdapter(ts.URL, "").Available(context.Background()) {
		t.Error("expected adapter to be available")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if NewJaegerAdapter("http://127.0.0.1:1", "").Available(ctx) {
		t.Error("expected dead endpoint to be unavailable")
	}
}

func TestJaegerQueryError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no trace storage", http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	a := NewJaegerAdapter(ts.URL, "")
	if _, err := a.QuerySpans(context.Background(), SpanFilter{TaskName: "x"}, TimeRange{}, 10); err == nil {
		t.Fatal("expected error for 503 response")
	}
}
