// Package logging provides audit logging that outputs Mangle-queryable facts.
// Audit logs are structured events that can be parsed into Mangle predicates
// for declarative querying over optimization runs.
package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// =============================================================================
// AUDIT EVENT TYPES - Maps to Mangle predicates
// =============================================================================

// AuditEventType defines the type of audit event (maps to Mangle predicate)
type AuditEventType string

const (
	// Backend adapter events -> backend_event/5
	AuditBackendProbe    AuditEventType = "backend_probe"
	AuditBackendResolved AuditEventType = "backend_resolved"
	AuditBackendQuery    AuditEventType = "backend_query"
	AuditBackendError    AuditEventType = "backend_error"

	// Analysis events -> analysis_event/5
	AuditAnalysisRun AuditEventType = "analysis_run"

	// Proposal events -> proposal_event/5
	AuditProposalCreated  AuditEventType = "proposal_created"
	AuditProposalRejected AuditEventType = "proposal_rejected"

	// Validation events -> validation_event/5
	AuditSemanticCheck AuditEventType = "semantic_check"
	AuditSafetyCheck   AuditEventType = "safety_check"
	AuditSandboxCheck  AuditEventType = "sandbox_check"

	// Synthesis events -> synthesis_event/5
	AuditSynthesisCall AuditEventType = "synthesis_call"

	// Apply events -> apply_event/4
	AuditApplyIntent AuditEventType = "apply_intent"

	// LLM API events -> llm_call/6
	AuditLLMRequest  AuditEventType = "llm_request"
	AuditLLMResponse AuditEventType = "llm_response"
	AuditLLMError    AuditEventType = "llm_error"
)

// =============================================================================
// AUDIT EVENT STRUCTURE
// =============================================================================

// AuditEvent represents a structured audit log entry that can be parsed to Mangle.
// Format: predicate(timestamp, category, ...args)
type AuditEvent struct {
	Timestamp  int64                  `json:"ts"`      // Unix milliseconds
	EventType  AuditEventType         `json:"event"`   // Maps to Mangle predicate
	Category   string                 `json:"cat"`     // Log category
	RequestID  string                 `json:"req"`     // Request correlation
	TaskName   string                 `json:"task"`    // Task the event concerns
	Target     string                 `json:"target"`  // Target of operation (backend, provider)
	Action     string                 `json:"action"`  // Action being performed
	Success    bool                   `json:"success"` // Operation succeeded
	DurationMs int64                  `json:"dur_ms"`  // Duration in milliseconds
	Error      string                 `json:"error"`   // Error message if failed
	Message    string                 `json:"msg"`     // Human-readable message
	Fields     map[string]interface{} `json:"fields"`  // Additional structured fields
	MangleFact string                 `json:"mangle"`  // Pre-formatted Mangle fact
}

// =============================================================================
// AUDIT LOGGER
// =============================================================================

var (
	auditFile   *os.File
	auditMu     sync.Mutex
	auditLogger *AuditLogger
)

// AuditLogger handles structured audit logging with Mangle fact generation
type AuditLogger struct {
	requestID string
	category  Category
}

// InitAudit initializes the audit logging system
func InitAudit() error {
	if !IsDebugMode() {
		return nil
	}

	auditMu.Lock()
	defer auditMu.Unlock()

	if auditFile != nil {
		return nil // Already initialized
	}

	date := time.Now().Format("2006-01-02")
	auditPath := filepath.Join(logsDir, fmt.Sprintf("%s_audit.log", date))

	file, err := os.OpenFile(auditPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to create audit log: %w", err)
	}
	auditFile = file

	header := fmt.Sprintf("# Audit log started at %s\n# Format: Mangle-queryable structured events\n", time.Now().Format(time.RFC3339))
	auditFile.WriteString(header)

	return nil
}

// CloseAudit closes the audit log file
func CloseAudit() {
	auditMu.Lock()
	defer auditMu.Unlock()

	if auditFile != nil {
		auditFile.Close()
		auditFile = nil
	}
}

// Audit returns the global audit logger
func Audit() *AuditLogger {
	if auditLogger == nil {
		auditLogger = &AuditLogger{}
	}
	return auditLogger
}

// AuditWithRequest creates an audit logger scoped to one analyze/propose run
func AuditWithRequest(requestID string) *AuditLogger {
	return &AuditLogger{requestID: requestID}
}

// AuditWithContext creates a fully-scoped audit logger
func AuditWithContext(requestID string, category Category) *AuditLogger {
	return &AuditLogger{
		requestID: requestID,
		category:  category,
	}
}

// =============================================================================
// AUDIT LOGGING METHODS
// =============================================================================

// Log writes an audit event
func (a *AuditLogger) Log(event AuditEvent) {
	if !IsDebugMode() || auditFile == nil {
		return
	}

	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UnixMilli()
	}
	if event.RequestID == "" && a.requestID != "" {
		event.RequestID = a.requestID
	}
	if event.Category == "" && a.category != "" {
		event.Category = string(a.category)
	}
	if event.Fields == nil {
		event.Fields = make(map[string]interface{})
	}

	event.MangleFact = generateMangleFact(event)

	auditMu.Lock()
	defer auditMu.Unlock()

	data, err := json.Marshal(event)
	if err == nil {
		auditFile.WriteString(string(data) + "\n")
	}
}

// generateMangleFact creates a Mangle-compatible fact string from an event
func generateMangleFact(e AuditEvent) string {
	switch e.EventType {
	case AuditBackendProbe, AuditBackendResolved, AuditBackendQuery, AuditBackendError:
		return fmt.Sprintf("backend_event(%d, /%s, \"%s\", \"%s\", %v).",
			e.Timestamp, e.EventType, e.Target, escapeString(e.Message), e.Success)

	case AuditAnalysisRun:
		count := 0
		if c, ok := e.Fields["executions"].(int); ok {
			count = c
		}
		score := 0.0
		if s, ok := e.Fields["score"].(float64); ok {
			score = s
		}
		return fmt.Sprintf("analysis_event(%d, \"%s\", %d, %.4f, %v).",
			e.Timestamp, e.TaskName, count, score, e.Success)

	case AuditProposalCreated, AuditProposalRejected:
		return fmt.Sprintf("proposal_event(%d, /%s, \"%s\", \"%s\", %v).",
			e.Timestamp, e.EventType, e.TaskName, e.Action, e.Success)

	case AuditSemanticCheck, AuditSafetyCheck, AuditSandboxCheck:
		violations := 0
		if v, ok := e.Fields["violations"].(int); ok {
			violations = v
		}
		return fmt.Sprintf("validation_event(%d, /%s, \"%s\", %d, %v).",
			e.Timestamp, e.EventType, e.TaskName, violations, e.Success)

	case AuditSynthesisCall:
		return fmt.Sprintf("synthesis_event(%d, \"%s\", %v, %d, \"%s\").",
			e.Timestamp, e.TaskName, e.Success, e.DurationMs, escapeString(e.Error))

	case AuditApplyIntent:
		return fmt.Sprintf("apply_event(%d, \"%s\", \"%s\", %v).",
			e.Timestamp, e.TaskName, e.Action, e.Success)

	case AuditLLMRequest, AuditLLMResponse, AuditLLMError:
		chars := 0
		if c, ok := e.Fields["chars"].(int); ok {
			chars = c
		}
		return fmt.Sprintf("llm_call(%d, /%s, \"%s\", %v, %d, %d).",
			e.Timestamp, e.EventType, e.Target, e.Success, e.DurationMs, chars)

	default:
		return fmt.Sprintf("audit_event(%d, /%s, \"%s\", \"%s\", %v).",
			e.Timestamp, e.EventType, e.Category, escapeString(e.Message), e.Success)
	}
}

func escapeString(s string) string {
	// Escape quotes and backslashes for Mangle strings
	var b strings.Builder
	b.Grow(len(s) + len(s)/10)

	for _, c := range s {
		switch c {
		case '"':
			b.WriteString("\\\"")
		case '\\':
			b.WriteString("\\\\")
		case '\n':
			b.WriteString("\\n")
		case '\r':
			b.WriteString("\\r")
		case '\t':
			b.WriteString("\\t")
		default:
			b.WriteRune(c)
		}
	}
	return b.String()
}

// =============================================================================
// CONVENIENCE METHODS FOR COMMON EVENTS
// =============================================================================

// BackendProbe logs a backend availability probe
func (a *AuditLogger) BackendProbe(backend, endpoint string, ok bool) {
	a.Log(AuditEvent{
		EventType: AuditBackendProbe,
		Category:  string(CategoryTrace),
		Target:    backend,
		Message:   endpoint,
		Success:   ok,
	})
}

// BackendResolved logs which adapter was pinned for an analyzer
func (a *AuditLogger) BackendResolved(backend, endpoint string) {
	a.Log(AuditEvent{
		EventType: AuditBackendResolved,
		Category:  string(CategoryTrace),
		Target:    backend,
		Message:   endpoint,
		Success:   true,
	})
}

// BackendQuery logs a span query against a backend
func (a *AuditLogger) BackendQuery(backend, task string, spans int, durationMs int64, err error) {
	event := AuditEvent{
		EventType:  AuditBackendQuery,
		Category:   string(CategoryTrace),
		Target:     backend,
		TaskName:   task,
		Success:    err == nil,
		DurationMs: durationMs,
		Fields:     map[string]interface{}{"spans": spans},
	}
	if err != nil {
		event.EventType = AuditBackendError
		event.Error = err.Error()
		event.Message = err.Error()
	}
	a.Log(event)
}

// AnalysisRun logs one pattern-consistency analysis
func (a *AuditLogger) AnalysisRun(task string, executions int, score float64, ready bool) {
	a.Log(AuditEvent{
		EventType: AuditAnalysisRun,
		Category:  string(CategoryAnalysis),
		TaskName:  task,
		Success:   ready,
		Fields: map[string]interface{}{
			"executions": executions,
			"score":      score,
		},
	})
}

// ProposalCreated logs a generated proposal
func (a *AuditLogger) ProposalCreated(task, method string, ready bool, violations int) {
	eventType := AuditProposalCreated
	if !ready {
		eventType = AuditProposalRejected
	}
	a.Log(AuditEvent{
		EventType: eventType,
		Category:  string(CategoryOptimizer),
		TaskName:  task,
		Action:    method,
		Success:   ready,
		Fields:    map[string]interface{}{"violations": violations},
	})
}

// ValidationCheck logs a semantic/safety/sandbox validation pass
func (a *AuditLogger) ValidationCheck(eventType AuditEventType, task string, violations int) {
	a.Log(AuditEvent{
		EventType: eventType,
		TaskName:  task,
		Success:   violations == 0,
		Fields:    map[string]interface{}{"violations": violations},
	})
}

// SynthesisCall logs one LLM synthesis attempt
func (a *AuditLogger) SynthesisCall(task string, durationMs int64, success bool, errMsg string) {
	a.Log(AuditEvent{
		EventType:  AuditSynthesisCall,
		Category:   string(CategorySynthesis),
		TaskName:   task,
		Success:    success,
		DurationMs: durationMs,
		Error:      errMsg,
	})
}

// ApplyIntent logs an apply intent descriptor
func (a *AuditLogger) ApplyIntent(task, action string, accepted bool) {
	a.Log(AuditEvent{
		EventType: AuditApplyIntent,
		Category:  string(CategoryOptimizer),
		TaskName:  task,
		Action:    action,
		Success:   accepted,
	})
}

// LLMCall logs an LLM API call
func (a *AuditLogger) LLMCall(provider string, chars int, durationMs int64, success bool, errMsg string) {
	eventType := AuditLLMResponse
	if !success {
		eventType = AuditLLMError
	}
	a.Log(AuditEvent{
		EventType:  eventType,
		Category:   string(CategoryLLM),
		Target:     provider,
		Success:    success,
		DurationMs: durationMs,
		Error:      errMsg,
		Fields:     map[string]interface{}{"chars": chars},
	})
}
