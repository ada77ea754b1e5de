package synthesis

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"tasksmith/internal/agent"
	"tasksmith/internal/trace"
	"tasksmith/internal/validate"
)

type mockLLM struct {
	chat func(ctx context.Context, prompt string) (string, error)
}

func (m *mockLLM) Chat(ctx context.Context, prompt string) (string, error) {
	if m.chat != nil {
		return m.chat(ctx, prompt)
	}
	return "", errors.New("no chat handler")
}

func (m *mockLLM) ChatWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	return m.Chat(ctx, userPrompt)
}

type mockSafety struct {
	validateFn func(code string) []validate.Violation
}

func (m *mockSafety) Validate(code string) []validate.Violation {
	if m.validateFn != nil {
		return m.validateFn(code)
	}
	return nil
}

func fencedResponse(t *testing.T, deterministic bool, confidence float64, explanation, code string) string {
	t.Helper()
	payload := map[string]any{
		"is_deterministic": deterministic,
		"confidence":       confidence,
		"explanation":      explanation,
	}
	if code == "" {
		payload["code"] = nil
	} else {
		payload["code"] = code
	}
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return "```json\n" + string(data) + "\n```"
}

func testTask() *agent.TaskDefinition {
	return &agent.TaskDefinition{
		Name:         "summarize_ticket",
		Instructions: "Fetch the ticket and summarize it.",
		Inputs:       map[string]string{"ticket_id": "string"},
		Outputs:      map[string]string{"summary": "string"},
	}
}

func testRecords(n int) []trace.ExecutionRecord {
	records := make([]trace.ExecutionRecord, n)
	for i := range records {
		records[i] = trace.ExecutionRecord{
			Inputs:     map[string]any{"ticket_id": "T-1"},
			DurationMS: 2500,
			ToolCalls: []trace.ToolCall{
				{ToolName: "fetch_ticket", Arguments: map[string]any{"id": "T-1"}, Result: "ok"},
				{ToolName: "summarize"},
			},
		}
	}
	return records
}

func TestSynthesize_DeterministicResponse(t *testing.T) {
	code := "package task\n\nfunc run(inputs map[string]any) map[string]any {\n\treturn inputs\n}\n"
	var validated string

	s := NewSynthesizer(
		&mockLLM{chat: func(context.Context, string) (string, error) {
			return fencedResponse(t, true, 0.9, "two stable steps", code), nil
		}},
		&mockSafety{validateFn: func(c string) []validate.Violation {
			validated = c
			return nil
		}},
	)

	result := s.Synthesize(context.Background(), testTask(), testRecords(12), nil, []string{"fetch_ticket"})

	if !result.IsDeterministic {
		t.Fatalf("expected deterministic result, explanation: %q", result.Explanation)
	}
	if result.Confidence != 0.9 {
		t.Errorf("Confidence = %v, want 0.9", result.Confidence)
	}
	if result.Code != code {
		t.Errorf("Code = %q", result.Code)
	}
	if validated != code {
		t.Error("the exact synthesized code must go through the validator")
	}
	if len(result.Violations) != 0 {
		t.Errorf("unexpected violations: %v", result.Violations)
	}
}

func TestSynthesize_PromptContents(t *testing.T) {
	var prompt string
	s := NewSynthesizer(&mockLLM{chat: func(_ context.Context, p string) (string, error) {
		prompt = p
		return fencedResponse(t, false, 0.2, "too variable", ""), nil
	}}, nil)

	analysis := &trace.PatternAnalysis{CommonPattern: "fetch_ticket → summarize", ConsistencyScore: 0.72}
	s.Synthesize(context.Background(), testTask(), testRecords(12), analysis, []string{"fetch_ticket", "post_reply"})

	for _, want := range []string{
		`"summarize_ticket"`,
		"Fetch the ticket and summarize it.",
		`{"ticket_id":"string"}`,
		"Recent executions (10 of 12):",
		"fetch_ticket → summarize",
		"Consistency score: 0.72",
		"Distinct tool sequences observed: 1",
		"Available tools: fetch_ticket, post_reply",
		`"is_deterministic"`,
	} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
}

func TestSynthesize_ParseFailures(t *testing.T) {
	tests := []struct {
		name     string
		response string
	}{
		{"plain prose", "I believe this task is deterministic."},
		{"malformed json", "```json\n{\"is_deterministic\": tru\n```"},
		{"empty response", ""},
		{"unclosed object", `{"is_deterministic": true`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewSynthesizer(&mockLLM{chat: func(context.Context, string) (string, error) {
				return tt.response, nil
			}}, nil)

			result := s.Synthesize(context.Background(), testTask(), testRecords(12), nil, nil)
			if result.IsDeterministic {
				t.Error("parse failure must not be deterministic")
			}
			if result.Confidence != 0 {
				t.Errorf("Confidence = %v, want 0", result.Confidence)
			}
			if result.Explanation == "" {
				t.Error("parse failure must explain itself")
			}
		})
	}
}

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
		ok   bool
	}{
		{"json fence", "Here you go:\n```json\n{\"a\": 1}\n```\nDone.", `{"a": 1}`, true},
		{"bare fence", "```\n{\"a\": 1}\n```", `{"a": 1}`, true},
		{"bare object with prose", `Sure: {"a": 1} hope that helps`, `{"a": 1}`, true},
		{"nested braces", `{"a": {"b": 2}}`, `{"a": {"b": 2}}`, true},
		{"braces inside strings", `{"code": "func run() { return }"}`, `{"code": "func run() { return }"}`, true},
		{"escaped quotes", `{"code": "say \"hi\" {"}`, `{"code": "say \"hi\" {"}`, true},
		{"no object", "nothing here", "", false},
		{"fence without object", "```\nplain text\n```", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := extractJSON(tt.raw)
			if ok != tt.ok || got != tt.want {
				t.Errorf("extractJSON(%q) = (%q, %v), want (%q, %v)", tt.raw, got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestSynthesize_SafetyGate(t *testing.T) {
	code := "package task\n\nfunc run(inputs map[string]any) map[string]any {\n\teval(\"2+2\")\n\treturn inputs\n}\n"
	s := NewSynthesizer(
		&mockLLM{chat: func(context.Context, string) (string, error) {
			return fencedResponse(t, true, 0.95, "looks deterministic", code), nil
		}},
		&mockSafety{validateFn: func(string) []validate.Violation {
			return []validate.Violation{{Type: validate.ViolationValidationError, Message: `call to "eval" is not permitted in task code`}}
		}},
	)

	result := s.Synthesize(context.Background(), testTask(), testRecords(12), nil, nil)

	if result.IsDeterministic {
		t.Error("violations must force the result non-deterministic")
	}
	if len(result.Violations) != 1 {
		t.Fatalf("expected 1 violation, got %d", len(result.Violations))
	}
	if !strings.Contains(result.Explanation, "safety validation") {
		t.Errorf("explanation must state the safety failure, got %q", result.Explanation)
	}
	if strings.Contains(result.Explanation, "looks deterministic") {
		t.Error("original explanation must be overwritten")
	}
}

func TestSynthesize_NonDeterministicSkipsValidation(t *testing.T) {
	calls := 0
	s := NewSynthesizer(
		&mockLLM{chat: func(context.Context, string) (string, error) {
			return fencedResponse(t, false, 0.3, "tool order varies run to run", ""), nil
		}},
		&mockSafety{validateFn: func(string) []validate.Violation {
			calls++
			return nil
		}},
	)

	result := s.Synthesize(context.Background(), testTask(), testRecords(12), nil, nil)
	if result.IsDeterministic {
		t.Error("expected non-deterministic result")
	}
	if calls != 0 {
		t.Errorf("validator must not run without code, ran %d times", calls)
	}
}

func TestSynthesize_LLMError(t *testing.T) {
	s := NewSynthesizer(&mockLLM{chat: func(context.Context, string) (string, error) {
		return "", errors.New("rate limit exceeded (429)")
	}}, nil)

	result := s.Synthesize(context.Background(), testTask(), testRecords(12), nil, nil)
	if result.IsDeterministic || result.Confidence != 0 {
		t.Error("transport failure must yield the negative shape")
	}
	if !strings.Contains(result.Explanation, "LLM call failed") {
		t.Errorf("Explanation = %q", result.Explanation)
	}
}

func TestSynthesize_NilClient(t *testing.T) {
	result := NewSynthesizer(nil, nil).Synthesize(context.Background(), testTask(), nil, nil, nil)
	if result.IsDeterministic || result.Confidence != 0 {
		t.Error("nil client must yield the negative shape")
	}
	if result.Explanation == "" {
		t.Error("nil client must explain itself")
	}
}

func TestSynthesize_ValidatorPanicIsContained(t *testing.T) {
	code := "package task\n\nfunc run(inputs map[string]any) map[string]any { return inputs }\n"
	s := NewSynthesizer(
		&mockLLM{chat: func(context.Context, string) (string, error) {
			return fencedResponse(t, true, 0.9, "fine", code), nil
		}},
		&mockSafety{validateFn: func(string) []validate.Violation {
			panic("validator exploded")
		}},
	)

	result := s.Synthesize(context.Background(), testTask(), testRecords(12), nil, nil)
	if result.IsDeterministic {
		t.Error("a panicking validator must not leave the result deterministic")
	}
	if len(result.Violations) != 1 || !strings.Contains(result.Violations[0].Message, "validator exploded") {
		t.Errorf("expected one wrapped violation, got %v", result.Violations)
	}
}
