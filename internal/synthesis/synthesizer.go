// Package synthesis asks an LLM to write replacement code when no
// deterministic pattern emerges from execution history. It is the
// fallback path behind pattern detection and everything it produces
// still goes through safety validation.
package synthesis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"tasksmith/internal/agent"
	"tasksmith/internal/llm"
	"tasksmith/internal/logging"
	"tasksmith/internal/trace"
	"tasksmith/internal/validate"
)

// Synthesizer drives one LLM round trip per task. It holds no state
// between calls and is safe for concurrent use.
type Synthesizer struct {
	client llm.Client
	safety validate.SafetyValidator
}

func NewSynthesizer(client llm.Client, safety validate.SafetyValidator) *Synthesizer {
	return &Synthesizer{client: client, safety: safety}
}

// Result reports one synthesis attempt. The zero value is the negative
// shape: not deterministic, zero confidence.
type Result struct {
	IsDeterministic bool
	Confidence      float64
	Explanation     string
	Code            string
	Violations      []validate.Violation
}

// Synthesize prompts the model with the task contract and recent
// execution evidence, then parses and safety-checks its answer. It
// never returns an error and never panics: every internal failure
// collapses to the negative result shape.
func (s *Synthesizer) Synthesize(ctx context.Context, task *agent.TaskDefinition, records []trace.ExecutionRecord, analysis *trace.PatternAnalysis, tools []string) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			logging.SynthesisError("synthesis panicked: %v", r)
			result = Result{Explanation: fmt.Sprintf("synthesis failed internally: %v", r)}
		}
	}()

	if s.client == nil {
		return Result{Explanation: "no LLM client configured"}
	}
	if task == nil {
		return Result{Explanation: "no task definition supplied"}
	}

	prompt := buildPrompt(task, records, analysis, tools)
	logging.SynthesisDebug("%s: prompting with %d executions (%d bytes)", task.Name, len(records), len(prompt))

	start := time.Now()
	raw, err := s.client.Chat(ctx, prompt)
	if err != nil {
		logging.SynthesisWarn("%s: LLM call failed: %v", task.Name, err)
		logging.Audit().SynthesisCall(task.Name, time.Since(start).Milliseconds(), false, err.Error())
		return Result{Explanation: fmt.Sprintf("LLM call failed: %v", err)}
	}
	logging.Audit().SynthesisCall(task.Name, time.Since(start).Milliseconds(), true, "")

	result = parseResponse(raw)

	if result.IsDeterministic && result.Code != "" {
		violations := s.validateSafely(result.Code)
		logging.Audit().ValidationCheck(logging.AuditSafetyCheck, task.Name, len(violations))
		if len(violations) > 0 {
			result.IsDeterministic = false
			result.Violations = violations
			result.Explanation = fmt.Sprintf("synthesized code failed safety validation with %d violations", len(violations))
		}
	}

	logging.Synthesis("%s: deterministic=%v confidence=%.2f", task.Name, result.IsDeterministic, result.Confidence)
	return result
}

type synthesisPayload struct {
	IsDeterministic bool    `json:"is_deterministic"`
	Confidence      float64 `json:"confidence"`
	Explanation     string  `json:"explanation"`
	Code            *string `json:"code"`
}

// parseResponse decodes the model's JSON answer. Anything that does
// not parse becomes the negative shape with the failure as explanation.
func parseResponse(raw string) Result {
	blob, ok := extractJSON(raw)
	if !ok {
		return Result{Explanation: "response contained no JSON object"}
	}

	var payload synthesisPayload
	if err := json.Unmarshal([]byte(blob), &payload); err != nil {
		return Result{Explanation: fmt.Sprintf("response JSON did not parse: %v", err)}
	}

	result := Result{
		IsDeterministic: payload.IsDeterministic,
		Confidence:      payload.Confidence,
		Explanation:     payload.Explanation,
	}
	if payload.Code != nil {
		result.Code = *payload.Code
	}
	return result
}

// extractJSON pulls the first JSON object out of a model response,
// tolerating a ```json fence, a bare ``` fence, or surrounding prose.
func extractJSON(raw string) (string, bool) {
	if idx := strings.Index(raw, "```json"); idx >= 0 {
		rest := raw[idx+len("```json"):]
		if end := strings.Index(rest, "```"); end >= 0 {
			return strings.TrimSpace(rest[:end]), true
		}
	}
	if idx := strings.Index(raw, "```"); idx >= 0 {
		rest := raw[idx+3:]
		if end := strings.Index(rest, "```"); end >= 0 {
			if candidate := strings.TrimSpace(rest[:end]); strings.HasPrefix(candidate, "{") {
				return candidate, true
			}
		}
	}

	start := strings.Index(raw, "{")
	if start < 0 {
		return "", false
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(raw); i++ {
		c := raw[i]
		switch {
		case escaped:
			escaped = false
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				return raw[start : i+1], true
			}
		}
	}
	return "", false
}

func (s *Synthesizer) validateSafely(code string) (violations []validate.Violation) {
	defer func() {
		if r := recover(); r != nil {
			violations = []validate.Violation{{
				Type:    validate.ViolationValidationError,
				Message: fmt.Sprintf("safety validator panicked: %v", r),
			}}
		}
	}()

	if s.safety == nil {
		return nil
	}
	return s.safety.Validate(code)
}
