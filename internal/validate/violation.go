// Package validate checks generated task code before it reaches a
// proposal: semantic checks against the task's declared contract, plus
// the SafetyValidator seam the policy engine plugs into.
package validate

import "fmt"

// ViolationType categorizes validation failures.
type ViolationType int

const (
	ViolationSyntaxError ViolationType = iota
	ViolationUnknownMethod
	ViolationUnsafeToolReference
	ViolationSchemaMismatch
	ViolationValidationError
)

func (v ViolationType) String() string {
	switch v {
	case ViolationSyntaxError:
		return "syntax_error"
	case ViolationUnknownMethod:
		return "unknown_method"
	case ViolationUnsafeToolReference:
		return "unsafe_tool_reference"
	case ViolationSchemaMismatch:
		return "schema_mismatch"
	case ViolationValidationError:
		return "validation_error"
	default:
		return "unknown"
	}
}

// Violation describes a single validation failure. Any violation blocks
// deployment.
type Violation struct {
	Type    ViolationType
	Message string
}

func (v Violation) String() string {
	return fmt.Sprintf("%s: %s", v.Type, v.Message)
}

// SafetyValidator is the security boundary for generated code. Callers
// hand it arbitrary source text; implementations must return violations
// rather than panic, whatever the input.
type SafetyValidator interface {
	Validate(code string) []Violation
}
