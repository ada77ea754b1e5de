package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"tasksmith/internal/optimize"
)

// Semantic output styles. Colors hold up on both light and dark
// terminals; everything degrades to plain text when the terminal
// reports no color support.
var (
	titleStyle   = lipgloss.NewStyle().Bold(true)
	successStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#8BC34A"))
	errorStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#e53935"))
	warnStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FFC107"))
	mutedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#7a8599"))
	codeStyle    = lipgloss.NewStyle().
			Padding(0, 2).
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#7a8599"))
)

// renderOpportunities formats the analyze survey as a table. Every
// surveyed task appears, ready or not, so the operator always sees why
// a task was passed over.
func renderOpportunities(agentName string, opps []optimize.Opportunity) string {
	var b strings.Builder

	b.WriteString(titleStyle.Render(fmt.Sprintf("Optimization opportunities for %s", agentName)))
	b.WriteString("\n\n")

	if len(opps) == 0 {
		b.WriteString(mutedStyle.Render("No neural tasks with execution data in the window."))
		b.WriteString("\n")
		return b.String()
	}

	b.WriteString(fmt.Sprintf("%-28s %6s %6s %-6s %s\n", "TASK", "EXECS", "SCORE", "READY", "REASON"))

	ready := 0
	for _, opp := range opps {
		a := opp.Analysis

		// Width is padded before styling so ANSI codes never skew columns.
		mark := mutedStyle.Render(fmt.Sprintf("%-6s", "no"))
		if a.ReadyForLearning {
			mark = successStyle.Render(fmt.Sprintf("%-6s", "yes"))
			ready++
		}

		reason := a.Reason
		if reason == "" && a.CommonPattern != "" {
			reason = "pattern: " + a.CommonPattern
		}

		b.WriteString(fmt.Sprintf("%-28s %6d %6.2f %s %s\n",
			opp.TaskName, a.ExecutionCount, a.ConsistencyScore, mark, reason))
	}

	b.WriteString("\n")
	b.WriteString(fmt.Sprintf("%d of %d neural tasks ready for optimization\n", ready, len(opps)))
	return b.String()
}

// renderProposal formats a full proposal for operator review.
// Violations and not-ready verdicts always print; a proposal that
// cannot deploy must say so and why.
func renderProposal(p *optimize.Proposal) string {
	var b strings.Builder

	b.WriteString(titleStyle.Render(fmt.Sprintf("Proposal for %s", p.TaskName)))
	b.WriteString(mutedStyle.Render(fmt.Sprintf("  (%s)", p.SynthesisMethod)))
	b.WriteString("\n\n")

	b.WriteString(fmt.Sprintf("Consistency: %.2f over %d executions\n", p.ConsistencyScore, p.ExecutionCount))
	if p.Pattern != "" {
		b.WriteString(fmt.Sprintf("Pattern:     %s\n", p.Pattern))
	}
	b.WriteString("\n")

	b.WriteString(titleStyle.Render("Current definition"))
	b.WriteString("\n")
	b.WriteString(codeStyle.Render(strings.TrimRight(p.CurrentCode, "\n")))
	b.WriteString("\n\n")

	b.WriteString(titleStyle.Render("Proposed implementation"))
	b.WriteString("\n")
	b.WriteString(codeStyle.Render(strings.TrimRight(p.ProposedCode, "\n")))
	b.WriteString("\n\n")

	if len(p.Violations) > 0 {
		b.WriteString(errorStyle.Render(fmt.Sprintf("Validation violations (%d)", len(p.Violations))))
		b.WriteString("\n")
		for _, v := range p.Violations {
			b.WriteString(fmt.Sprintf("  ✗ %s\n", v))
		}
		b.WriteString("\n")
	}

	if p.Impact != nil {
		b.WriteString(titleStyle.Render("Estimated impact"))
		b.WriteString("\n")
		b.WriteString(fmt.Sprintf("  Time per call:   %.2fs → %.2fs (%.0f%% faster)\n",
			p.Impact.CurrentAvgTime, p.Impact.OptimizedAvgTime, p.Impact.TimeReductionPct))
		b.WriteString(fmt.Sprintf("  Cost per call:   $%.4f → $%.4f (%.0f%% cheaper)\n",
			p.Impact.CurrentAvgCost, p.Impact.OptimizedAvgCost, p.Impact.CostReductionPct))
		b.WriteString(fmt.Sprintf("  Monthly savings: $%.2f at current volume\n", p.Impact.ProjectedMonthlySavings))
		b.WriteString("\n")
	}

	if p.ReadyToDeploy {
		b.WriteString(successStyle.Render("✓ Ready to deploy"))
		b.WriteString("\n")
	} else {
		b.WriteString(warnStyle.Render("✗ Not ready to deploy"))
		b.WriteString("\n")
		if len(p.Violations) > 0 {
			b.WriteString(mutedStyle.Render("  Resolve the violations above before applying."))
			b.WriteString("\n")
		}
	}
	return b.String()
}

// renderApplyResult formats the update intent apply produces. tasksmith
// never writes the agent definition; the intent tells the deployment
// tooling what would change and the refusal path repeats the blocking
// violations.
func renderApplyResult(r *optimize.ApplyResult, p *optimize.Proposal) string {
	var b strings.Builder

	if r.Success {
		b.WriteString(successStyle.Render("✓ " + r.Message))
		b.WriteString("\n")
		b.WriteString(fmt.Sprintf("  Action: %s\n\n", r.Action))
		b.WriteString(titleStyle.Render("Updated implementation"))
		b.WriteString("\n")
		b.WriteString(codeStyle.Render(strings.TrimRight(r.UpdatedCode, "\n")))
		b.WriteString("\n")
		return b.String()
	}

	b.WriteString(errorStyle.Render("✗ " + r.Message))
	b.WriteString("\n")
	for _, v := range p.Violations {
		b.WriteString(fmt.Sprintf("  ✗ %s\n", v))
	}
	return b.String()
}

// renderStatus reports what the toolchain resolved: tracing backend,
// agent task inventory, and whether the synthesis fallback is armed.
func renderStatus(tc *toolchain) string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("tasksmith status"))
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", 40))
	b.WriteString("\n")

	total := len(tc.def.Tasks)
	neural := len(tc.def.NeuralTasks())
	b.WriteString(fmt.Sprintf("Agent:   %s\n", tc.def.Name))
	b.WriteString(fmt.Sprintf("  Tasks: %d total, %d neural, %d symbolic\n", total, neural, total-neural))
	b.WriteString(fmt.Sprintf("  Tools: %d bound\n", len(tc.def.Tools)))
	b.WriteString("\n")

	switch {
	case tc.analyzer.Available():
		b.WriteString(successStyle.Render("✓"))
		b.WriteString(fmt.Sprintf(" Tracing backend: %s at %s\n", tc.analyzer.Backend(), tc.cfg.Backend.Endpoint))
	case tc.cfg.Backend.Endpoint == "":
		b.WriteString(errorStyle.Render("✗"))
		b.WriteString(" Tracing backend: no endpoint configured (set OTEL_QUERY_ENDPOINT)\n")
	default:
		b.WriteString(errorStyle.Render("✗"))
		b.WriteString(fmt.Sprintf(" Tracing backend: nothing responded at %s\n", tc.cfg.Backend.Endpoint))
	}

	if tc.hasSynthesizer {
		b.WriteString(successStyle.Render("✓"))
		b.WriteString(fmt.Sprintf(" LLM synthesis: %s (%s)\n", tc.cfg.LLM.Provider, tc.cfg.LLM.Model))
	} else {
		b.WriteString(mutedStyle.Render("-"))
		b.WriteString(" LLM synthesis: not configured, pattern detection only\n")
	}

	return b.String()
}
