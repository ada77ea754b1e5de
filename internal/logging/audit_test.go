package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// TestAuditPipeline checks the full path: Initialize opens the audit
// log, convenience methods append events, and the file holds one
// Mangle fact per event.
func TestAuditPipeline(t *testing.T) {
	tempDir := t.TempDir()
	writeTestConfig(t, tempDir, `{
		"logging": {
			"level": "debug",
			"debug_mode": true
		}
	}`)
	resetState()

	if err := Initialize(tempDir); err != nil {
		t.Fatalf("Failed to initialize logging: %v", err)
	}

	Audit().BackendResolved("signoz", "http://localhost:3301")
	Audit().AnalysisRun("summarize", 12, 0.91, true)
	Audit().ProposalCreated("summarize", "pattern_detection", true, 0)
	Audit().ApplyIntent("summarize", "would_update_agent_definition", true)
	CloseAudit()
	CloseAll()

	logsPath := filepath.Join(tempDir, ".smith", "logs")
	entries, err := os.ReadDir(logsPath)
	if err != nil {
		t.Fatalf("Failed to read logs dir: %v", err)
	}

	var content []byte
	for _, entry := range entries {
		if strings.Contains(entry.Name(), "_audit.log") {
			content, _ = os.ReadFile(filepath.Join(logsPath, entry.Name()))
		}
	}
	if len(content) == 0 {
		t.Fatal("No audit log file was written")
	}
	for _, want := range []string{
		"backend_resolved",
		"analysis_event(",
		"proposal_event(",
		"apply_event(",
		`\"summarize\"`,
	} {
		if !strings.Contains(string(content), want) {
			t.Errorf("Audit log missing %q", want)
		}
	}
}

// TestAuditDisabledInProduction checks that audit events are dropped
// without a debug-mode config.
func TestAuditDisabledInProduction(t *testing.T) {
	tempDir := t.TempDir()
	resetState()

	if err := Initialize(tempDir); err != nil {
		t.Fatalf("Failed to initialize logging: %v", err)
	}

	Audit().AnalysisRun("summarize", 12, 0.91, true)
	CloseAudit()

	if _, err := os.Stat(filepath.Join(tempDir, ".smith", "logs")); err == nil {
		t.Error("Production mode should not create a logs directory")
	}
}

func TestGenerateMangleFact(t *testing.T) {
	tests := []struct {
		name     string
		event    AuditEvent
		contains []string
	}{
		{
			name: "backend probe",
			event: AuditEvent{
				Timestamp: 1000,
				EventType: AuditBackendProbe,
				Target:    "signoz",
				Message:   "http://localhost:3301",
				Success:   true,
			},
			contains: []string{"backend_event(1000", "/backend_probe", `"signoz"`, "true"},
		},
		{
			name: "analysis run",
			event: AuditEvent{
				Timestamp: 2000,
				EventType: AuditAnalysisRun,
				TaskName:  "summarize",
				Success:   true,
				Fields:    map[string]interface{}{"executions": 12, "score": 0.85},
			},
			contains: []string{"analysis_event(2000", `"summarize"`, "12", "0.8500"},
		},
		{
			name: "proposal rejected",
			event: AuditEvent{
				Timestamp: 3000,
				EventType: AuditProposalRejected,
				TaskName:  "classify",
				Action:    "pattern_detection",
				Success:   false,
			},
			contains: []string{"proposal_event(3000", "/proposal_rejected", `"classify"`, "false"},
		},
		{
			name: "safety check with violations",
			event: AuditEvent{
				Timestamp: 4000,
				EventType: AuditSafetyCheck,
				TaskName:  "fetch",
				Fields:    map[string]interface{}{"violations": 2},
			},
			contains: []string{"validation_event(4000", "/safety_check", "2"},
		},
		{
			name: "llm call",
			event: AuditEvent{
				Timestamp:  5000,
				EventType:  AuditLLMResponse,
				Target:     "gemini",
				Success:    true,
				DurationMs: 420,
				Fields:     map[string]interface{}{"chars": 900},
			},
			contains: []string{"llm_call(5000", `"gemini"`, "420", "900"},
		},
		{
			name: "message with quotes is escaped",
			event: AuditEvent{
				Timestamp: 6000,
				EventType: AuditBackendError,
				Target:    "jaeger",
				Message:   `query failed: "timeout"`,
				Success:   false,
			},
			contains: []string{`\"timeout\"`},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fact := generateMangleFact(tt.event)
			if !strings.HasSuffix(fact, ").") {
				t.Errorf("Fact should end with ')': %s", fact)
			}
			for _, want := range tt.contains {
				if !strings.Contains(fact, want) {
					t.Errorf("Fact %q missing %q", fact, want)
				}
			}
		})
	}
}

func TestEscapeString(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{`plain`, `plain`},
		{`has "quotes"`, `has \"quotes\"`},
		{"has\nnewline", `has\nnewline`},
		{`back\slash`, `back\\slash`},
		{"tab\there", `tab\there`},
	}
	for _, tt := range tests {
		if got := escapeString(tt.in); got != tt.want {
			t.Errorf("escapeString(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func BenchmarkEscapeString(b *testing.B) {
	input := "Hello \"World\"\nThis is a backslash: \\ \tAnd a tab."
	input = strings.Repeat(input, 100)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = escapeString(input)
	}
}
