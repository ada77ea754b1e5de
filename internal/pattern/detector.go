package pattern

import (
	"fmt"
	"strings"

	"tasksmith/internal/agent"
	"tasksmith/internal/logging"
	"tasksmith/internal/trace"
	"tasksmith/internal/validate"
)

// Eligibility gates for turning an analysis into code. The deploy bar
// is stricter than the detection bar: 0.85 consistency is worth
// proposing, 0.90 is safe to apply without review.
const (
	minExecutions     = 10
	minConsistency    = 0.85
	deployConsistency = 0.90
)

// Detector converts a consistent execution pattern into generated code,
// gated by the eligibility thresholds and checked by the safety
// validator before anything reaches a proposal.
type Detector struct {
	safety validate.SafetyValidator
}

func NewDetector(safety validate.SafetyValidator) *Detector {
	return &Detector{safety: safety}
}

// DetectionResult reports one detection attempt. Success means code was
// generated and passed validation; ReadyToDeploy adds the stricter
// consistency bar on top.
type DetectionResult struct {
	TaskName      string
	Success       bool
	Pattern       string
	GeneratedCode string
	Body          string
	Violations    []validate.Violation
	ReadyToDeploy bool
	Reason        string
}

// DetectPattern checks the eligibility conditions and, when they all
// hold, generates and validates chain code for the analyzed pattern.
// A rejection lists every unmet condition, not just the first.
func (d *Detector) DetectPattern(task *agent.TaskDefinition, analysis *trace.PatternAnalysis) DetectionResult {
	result := DetectionResult{TaskName: taskName(task)}

	if reason := rejectionReason(analysis); reason != "" {
		result.Reason = reason
		logging.Pattern("%s: not eligible for codegen: %s", result.TaskName, reason)
		return result
	}
	result.Pattern = analysis.CommonPattern

	code, err := GenerateChainCode(task, analysis.CommonPattern)
	if err != nil {
		result.Reason = fmt.Sprintf("code generation failed: %v", err)
		result.Violations = []validate.Violation{{
			Type:    validate.ViolationSyntaxError,
			Message: result.Reason,
		}}
		return result
	}
	result.GeneratedCode = code
	result.Body = ExtractRunBody(code)

	result.Violations = d.validateSafely(code)
	logging.Audit().ValidationCheck(logging.AuditSafetyCheck, result.TaskName, len(result.Violations))
	result.Success = len(result.Violations) == 0
	result.ReadyToDeploy = result.Success && analysis.ConsistencyScore >= deployConsistency

	if result.Success {
		logging.Pattern("%s: generated %d-step chain from %q (deploy ready: %v)",
			result.TaskName, len(splitPattern(result.Pattern)), result.Pattern, result.ReadyToDeploy)
	} else {
		result.Reason = "generated code failed safety validation"
		logging.PatternDebug("%s: %d violations in generated code", result.TaskName, len(result.Violations))
	}
	return result
}

func taskName(task *agent.TaskDefinition) string {
	if task == nil {
		return ""
	}
	return task.Name
}

func rejectionReason(analysis *trace.PatternAnalysis) string {
	if analysis == nil {
		return "no execution data recorded"
	}

	var unmet []string
	if !analysis.ReadyForLearning {
		unmet = append(unmet, "not ready for learning")
	}
	if analysis.ExecutionCount < minExecutions {
		unmet = append(unmet, fmt.Sprintf("only %d of %d required executions", analysis.ExecutionCount, minExecutions))
	}
	if analysis.ConsistencyScore < minConsistency {
		unmet = append(unmet, fmt.Sprintf("consistency %.2f below %.2f", analysis.ConsistencyScore, minConsistency))
	}
	if analysis.CommonPattern == "" {
		unmet = append(unmet, "no common pattern emerged")
	}
	return strings.Join(unmet, "; ")
}

// validateSafely shields detection from a misbehaving validator: a
// panic comes back as a single validation_error violation.
func (d *Detector) validateSafely(code string) (violations []validate.Violation) {
	defer func() {
		if r := recover(); r != nil {
			violations = []validate.Violation{{
				Type:    validate.ViolationValidationError,
				Message: fmt.Sprintf("safety validator panicked: %v", r),
			}}
		}
	}()

	if d.safety == nil {
		return nil
	}
	return d.safety.Validate(code)
}
