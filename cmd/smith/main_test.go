package main

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"tasksmith/internal/optimize"
	"tasksmith/internal/trace"
	"tasksmith/internal/validate"
)

const testAgentYAML = `name: crm-agent
tools:
  - fetch
  - transform
tasks:
  enrich_lead:
    instructions: Enrich a lead with firmographic data.
    neural: true
    inputs:
      lead_id: string
    outputs:
      result: object
  format_report:
    instructions: Format the weekly report.
    code: "package task\n\nfunc run(inputs map[string]any) map[string]any { return inputs }\n"
`

// setupWorkspace points the global flags at a throwaway workspace with
// a written agent definition and scrubs the env so no real backend or
// LLM credentials leak into the run.
func setupWorkspace(t *testing.T) {
	t.Helper()

	dir := t.TempDir()
	agentPath = filepath.Join(dir, "agent.yaml")
	if err := os.WriteFile(agentPath, []byte(testAgentYAML), 0644); err != nil {
		t.Fatalf("write agent definition: %v", err)
	}
	configPath = filepath.Join(dir, "smith.yaml")
	workspace = dir
	logger = zap.NewNop()

	for _, key := range []string{
		"OTEL_QUERY_ENDPOINT", "OTEL_QUERY_API_KEY", "OTEL_QUERY_BACKEND",
		"GEMINI_API_KEY", "OPENAI_API_KEY", "SMITH_LLM_MODEL",
	} {
		t.Setenv(key, "")
	}
}

func TestLoadToolchainRequiresAgent(t *testing.T) {
	setupWorkspace(t)
	agentPath = ""

	if _, err := loadToolchain(); err == nil || !strings.Contains(err.Error(), "--agent") {
		t.Fatalf("expected missing-agent error naming the flag, got %v", err)
	}
}

func TestRunAnalyzeNoBackend(t *testing.T) {
	setupWorkspace(t)

	output := captureOutput(t, func() {
		if err := runAnalyze(&cobra.Command{}, nil); err != nil {
			t.Errorf("runAnalyze returned error: %v", err)
		}
	})

	if !strings.Contains(output, "enrich_lead") {
		t.Fatalf("expected the neural task in the survey, got: %s", output)
	}
	if !strings.Contains(output, "tracing backend") {
		t.Fatalf("expected the no-backend reason, got: %s", output)
	}
	if strings.Contains(output, "format_report") {
		t.Fatalf("symbolic task should not be surveyed, got: %s", output)
	}
	if !strings.Contains(output, "0 of 1 neural tasks") {
		t.Fatalf("expected the readiness summary line, got: %s", output)
	}
}

func TestRunProposeUnknownTask(t *testing.T) {
	setupWorkspace(t)

	err := runPropose(&cobra.Command{}, []string{"no_such_task"})
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("expected task-not-found error, got %v", err)
	}
}

func TestRunProposeNoExecutionData(t *testing.T) {
	setupWorkspace(t)

	err := runPropose(&cobra.Command{}, []string{"enrich_lead"})
	if err == nil || !strings.Contains(err.Error(), "no execution data") {
		t.Fatalf("expected no-execution-data error, got %v", err)
	}
}

func TestRunStatus(t *testing.T) {
	setupWorkspace(t)

	output := captureOutput(t, func() {
		if err := runStatus(&cobra.Command{}, nil); err != nil {
			t.Errorf("runStatus returned error: %v", err)
		}
	})

	if !strings.Contains(output, "crm-agent") {
		t.Fatalf("expected agent name, got: %s", output)
	}
	if !strings.Contains(output, "2 total, 1 neural, 1 symbolic") {
		t.Fatalf("expected task inventory, got: %s", output)
	}
	if !strings.Contains(output, "no endpoint configured") {
		t.Fatalf("expected backend verdict, got: %s", output)
	}
	if !strings.Contains(output, "pattern detection only") {
		t.Fatalf("expected synthesis verdict, got: %s", output)
	}
}

func TestRenderOpportunities(t *testing.T) {
	opps := []optimize.Opportunity{
		{
			TaskName: "enrich_lead",
			Analysis: &trace.PatternAnalysis{
				TaskName:         "enrich_lead",
				ExecutionCount:   12,
				ConsistencyScore: 1.0,
				ReadyForLearning: true,
				CommonPattern:    "fetch → transform",
			},
		},
		{
			TaskName: "score_account",
			Analysis: &trace.PatternAnalysis{
				TaskName:         "score_account",
				ExecutionCount:   8,
				ConsistencyScore: 1.0,
				ReadyForLearning: false,
				Reason:           "Need 2 more executions",
			},
		},
	}

	out := renderOpportunities("crm-agent", opps)

	for _, want := range []string{
		"TASK", "EXECS", "SCORE", "READY", "REASON",
		"enrich_lead", "pattern: fetch → transform",
		"score_account", "Need 2 more executions",
		"1 of 2 neural tasks ready",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in table, got:\n%s", want, out)
		}
	}
}

func TestRenderProposalViolationsAlwaysShown(t *testing.T) {
	p := &optimize.Proposal{
		TaskName:         "enrich_lead",
		CurrentCode:      "instructions: Enrich a lead.\n",
		ProposedCode:     `out := eval("inputs")`,
		ConsistencyScore: 0.92,
		ExecutionCount:   12,
		Violations: []validate.Violation{
			{Type: validate.ViolationUnknownMethod, Message: `call to unknown function "eval"`},
			{Type: validate.ViolationUnsafeToolReference, Message: `tool "shell" is not bound to this agent`},
		},
		ReadyToDeploy:   false,
		SynthesisMethod: optimize.MethodLLMSynthesis,
	}

	out := renderProposal(p)

	if !strings.Contains(out, `call to unknown function "eval"`) {
		t.Errorf("first violation missing from output:\n%s", out)
	}
	if !strings.Contains(out, `tool "shell" is not bound to this agent`) {
		t.Errorf("second violation missing from output:\n%s", out)
	}
	if !strings.Contains(out, "✗ Not ready to deploy") {
		t.Errorf("expected not-ready verdict, got:\n%s", out)
	}
	if !strings.Contains(out, "llm_synthesis") {
		t.Errorf("expected synthesis method, got:\n%s", out)
	}
}

func TestRenderProposalReady(t *testing.T) {
	p := &optimize.Proposal{
		TaskName:         "enrich_lead",
		CurrentCode:      "instructions: Enrich a lead.\n",
		ProposedCode:     `result := executeTool("fetch", inputs)`,
		ConsistencyScore: 1.0,
		ExecutionCount:   12,
		Pattern:          "fetch → transform",
		Impact: &optimize.PerformanceImpact{
			CurrentAvgTime:          2.5,
			OptimizedAvgTime:        0.1,
			TimeReductionPct:        96,
			CurrentAvgCost:          0.003,
			CostReductionPct:        100,
			ProjectedMonthlySavings: 1.08,
		},
		ReadyToDeploy:   true,
		SynthesisMethod: optimize.MethodPatternDetection,
	}

	out := renderProposal(p)

	if !strings.Contains(out, "✓ Ready to deploy") {
		t.Errorf("expected ready verdict, got:\n%s", out)
	}
	if !strings.Contains(out, "96% faster") {
		t.Errorf("expected impact estimate, got:\n%s", out)
	}
	if !strings.Contains(out, "$1.08") {
		t.Errorf("expected monthly savings, got:\n%s", out)
	}
	if strings.Contains(out, "Validation violations") {
		t.Errorf("clean proposal should not show a violations section:\n%s", out)
	}
}

func TestRenderApplyResultRefusal(t *testing.T) {
	p := &optimize.Proposal{
		TaskName: "enrich_lead",
		Violations: []validate.Violation{
			{Type: validate.ViolationSyntaxError, Message: "compile check failed: unexpected token"},
		},
	}
	r := &optimize.ApplyResult{
		Success:  false,
		TaskName: "enrich_lead",
		Action:   "would_update_agent_definition",
		Message:  "proposal has 1 validation violations; review required before applying",
	}

	out := renderApplyResult(r, p)

	if !strings.Contains(out, "review required") {
		t.Errorf("expected refusal message, got:\n%s", out)
	}
	if !strings.Contains(out, "compile check failed") {
		t.Errorf("expected blocking violation in refusal, got:\n%s", out)
	}
}

func TestRenderApplyResultSuccess(t *testing.T) {
	p := &optimize.Proposal{TaskName: "enrich_lead"}
	r := &optimize.ApplyResult{
		Success:     true,
		TaskName:    "enrich_lead",
		UpdatedCode: "package task\n\nfunc run(inputs map[string]any) map[string]any { return inputs }",
		Action:      "would_update_agent_definition",
		Message:     `task "enrich_lead" would be updated with the generated implementation`,
	}

	out := renderApplyResult(r, p)

	if !strings.Contains(out, "would be updated") {
		t.Errorf("expected intent message, got:\n%s", out)
	}
	if !strings.Contains(out, "would_update_agent_definition") {
		t.Errorf("expected action descriptor, got:\n%s", out)
	}
	if !strings.Contains(out, "package task") {
		t.Errorf("expected updated implementation, got:\n%s", out)
	}
}

func captureOutput(t *testing.T, fn func()) string {
	t.Helper()

	origOut := os.Stdout
	origErr := os.Stderr
	rOut, wOut, _ := os.Pipe()
	rErr, wErr, _ := os.Pipe()
	os.Stdout = wOut
	os.Stderr = wErr

	done := make(chan string)
	go func() {
		var buf bytes.Buffer
		_, _ = io.Copy(&buf, rOut)
		_, _ = io.Copy(&buf, rErr)
		done <- buf.String()
	}()

	fn()

	_ = wOut.Close()
	_ = wErr.Close()
	os.Stdout = origOut
	os.Stderr = origErr
	return <-done
}
