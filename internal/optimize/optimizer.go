// Package optimize drives the learning loop over one agent definition:
// survey the neural tasks for learnable execution patterns, turn one
// task's pattern into a reviewable code proposal, and describe what
// applying that proposal would change. Nothing here mutates the
// definition; deployment belongs to an external collaborator.
package optimize

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"tasksmith/internal/agent"
	"tasksmith/internal/logging"
	"tasksmith/internal/pattern"
	"tasksmith/internal/sandbox"
	"tasksmith/internal/synthesis"
	"tasksmith/internal/trace"
	"tasksmith/internal/validate"
)

const (
	defaultWorkers        = 4
	defaultMinExecutions  = 10
	defaultMinConsistency = 0.85

	applyAction = "would_update_agent_definition"
)

// Method names the generator that produced a proposal's code.
type Method string

const (
	MethodPatternDetection Method = "pattern_detection"
	MethodLLMSynthesis     Method = "llm_synthesis"
)

// Optimizer wires the analyzer, detector, and optional synthesizer over
// one agent definition. Safe for concurrent use: all state is set at
// construction.
type Optimizer struct {
	def         *agent.Definition
	analyzer    *trace.Analyzer
	detector    *pattern.Detector
	synthesizer *synthesis.Synthesizer
	workers     int
}

// Option customizes optimizer construction.
type Option func(*Optimizer)

// WithSynthesizer enables the LLM fallback for tasks the pattern
// detector rejects. Without it, Propose fails closed on those tasks.
func WithSynthesizer(s *synthesis.Synthesizer) Option {
	return func(o *Optimizer) { o.synthesizer = s }
}

// WithWorkers bounds the Analyze fan-out.
func WithWorkers(n int) Option {
	return func(o *Optimizer) { o.workers = n }
}

func NewOptimizer(def *agent.Definition, analyzer *trace.Analyzer, detector *pattern.Detector, opts ...Option) *Optimizer {
	o := &Optimizer{def: def, analyzer: analyzer, detector: detector, workers: defaultWorkers}
	for _, opt := range opts {
		opt(o)
	}
	if o.def == nil {
		o.def = &agent.Definition{}
	}
	if o.analyzer == nil {
		o.analyzer = trace.NewAnalyzer(nil)
	}
	if o.detector == nil {
		o.detector = pattern.NewDetector(nil)
	}
	if o.workers < 1 {
		o.workers = defaultWorkers
	}
	return o
}

// AnalyzeOptions bound one survey pass. Zero thresholds take the
// learning defaults; a zero TimeRange takes the configured window.
type AnalyzeOptions struct {
	MinConsistency float64
	MinExecutions  int
	TimeRange      trace.TimeRange
}

// Opportunity is one neural task's analysis from a survey pass. Entries
// that are not ready stay in the list so a caller can show why.
type Opportunity struct {
	TaskName string
	Task     *agent.TaskDefinition
	Analysis *trace.PatternAnalysis
}

// Analyze surveys every neural task for learnable patterns, analyzing
// each fresh against the tracing backend under a bounded worker group.
// Results come back sorted by task name. Read-only and idempotent.
func (o *Optimizer) Analyze(ctx context.Context, opts AnalyzeOptions) ([]Opportunity, error) {
	if opts.MinConsistency <= 0 {
		opts.MinConsistency = defaultMinConsistency
	}
	if opts.MinExecutions <= 0 {
		opts.MinExecutions = defaultMinExecutions
	}

	rl := logging.WithRequestID(logging.CategoryOptimizer, uuid.NewString())

	tasks := o.def.NeuralTasks()
	if !o.analyzer.Available() {
		rl.Warn("no tracing backend available; %d neural tasks cannot be analyzed", len(tasks))
		return o.unanalyzable(tasks, opts), nil
	}
	rl.Info("analyzing %d neural tasks (min %d executions, consistency >= %.2f)",
		len(tasks), opts.MinExecutions, opts.MinConsistency)

	results := make([]*trace.PatternAnalysis, len(tasks))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.workers)
	for i, task := range tasks {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = o.analyzer.AnalyzePatterns(gctx, task.Name, opts.MinExecutions, opts.MinConsistency, opts.TimeRange)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// Tasks are already in name order, so collecting in index order
	// keeps the output sorted.
	var opportunities []Opportunity
	ready := 0
	for i, task := range tasks {
		if results[i] == nil {
			continue
		}
		if results[i].ReadyForLearning {
			ready++
		}
		opportunities = append(opportunities, Opportunity{TaskName: task.Name, Task: task, Analysis: results[i]})
	}
	rl.Info("%d of %d neural tasks have execution data, %d ready for learning",
		len(opportunities), len(tasks), ready)
	return opportunities, nil
}

// unanalyzable reports every neural task with an explanatory analysis
// when no backend responded, so the survey still names each candidate
// instead of coming back empty.
func (o *Optimizer) unanalyzable(tasks []*agent.TaskDefinition, opts AnalyzeOptions) []Opportunity {
	opportunities := make([]Opportunity, 0, len(tasks))
	for _, task := range tasks {
		opportunities = append(opportunities, Opportunity{
			TaskName: task.Name,
			Task:     task,
			Analysis: &trace.PatternAnalysis{
				TaskName:             task.Name,
				ConsistencyThreshold: opts.MinConsistency,
				Reason:               "no execution data: tracing backend not configured or unreachable",
			},
		})
	}
	return opportunities
}

// ProposeOptions adjust a single proposal.
type ProposeOptions struct {
	// UseSynthesis skips pattern detection and asks the LLM directly.
	UseSynthesis bool
}

// Proposal is a reviewable replacement for one neural task: the
// normalized current definition, the generated code, the validation
// outcome, and the estimated impact. Nothing is applied until a caller
// acts on it.
type Proposal struct {
	TaskName          string
	CurrentCode       string
	ProposedCode      string
	FullGeneratedCode string
	ConsistencyScore  float64
	ExecutionCount    int
	Pattern           string
	Impact            *PerformanceImpact
	Violations        []validate.Violation
	ReadyToDeploy     bool
	SynthesisMethod   Method
}

// Propose builds a replacement-code proposal for one neural task. The
// analysis is always recomputed so a proposal never rides on a stale
// survey.
func (o *Optimizer) Propose(ctx context.Context, taskName string, opts ProposeOptions) (*Proposal, error) {
	task, ok := o.def.Task(taskName)
	if !ok {
		return nil, &TaskNotFoundError{TaskName: taskName}
	}
	rl := logging.WithRequestID(logging.CategoryOptimizer, uuid.NewString()).WithField("task", taskName)

	analysis := o.analyzer.AnalyzePatterns(ctx, taskName, defaultMinExecutions, defaultMinConsistency, trace.TimeRange{})
	if analysis == nil {
		return nil, &NoExecutionDataError{TaskName: taskName}
	}
	rl.Debug("fresh analysis: %d executions, consistency %.2f",
		analysis.ExecutionCount, analysis.ConsistencyScore)

	var detection pattern.DetectionResult
	if !opts.UseSynthesis {
		detection = o.detector.DetectPattern(task, analysis)
		if detection.Success {
			return o.assemble(ctx, rl, task, analysis, candidate{
				method:     MethodPatternDetection,
				fullCode:   detection.GeneratedCode,
				body:       detection.Body,
				pattern:    detection.Pattern,
				violations: detection.Violations,
				deployGate: detection.ReadyToDeploy,
			}), nil
		}
	}

	if o.synthesizer == nil {
		reason := detection.Reason
		if opts.UseSynthesis {
			reason = "synthesis requested but no synthesizer is configured"
		}
		return nil, &OptimizationNotPossibleError{TaskName: taskName, Reason: reason}
	}

	if opts.UseSynthesis {
		rl.Info("synthesizing via LLM on request")
	} else {
		rl.Info("detection rejected (%s), falling back to LLM synthesis", detection.Reason)
	}

	records := o.analyzer.QueryTaskTraces(ctx, taskName, 0, trace.TimeRange{})
	result := o.synthesizer.Synthesize(ctx, task, records, analysis, o.def.Tools)

	// Code that failed the synthesizer's safety gate still becomes a
	// proposal: the violations travel with it and block deployment, but
	// the reviewer sees what the model wrote. Only a missing answer or
	// a genuinely non-deterministic verdict leaves nothing to propose.
	if result.Code == "" || (!result.IsDeterministic && len(result.Violations) == 0) {
		return nil, &OptimizationNotPossibleError{TaskName: taskName, Reason: result.Explanation}
	}

	return o.assemble(ctx, rl, task, analysis, candidate{
		method:     MethodLLMSynthesis,
		fullCode:   result.Code,
		body:       pattern.ExtractRunBody(result.Code),
		pattern:    analysis.CommonPattern,
		violations: result.Violations,
		deployGate: result.IsDeterministic,
	}), nil
}

// candidate is generator output in the shape assembly needs, whichever
// path produced it.
type candidate struct {
	method     Method
	fullCode   string
	body       string
	pattern    string
	violations []validate.Violation
	deployGate bool
}

// assemble finishes a proposal: normalize the current definition for
// diffing, union the semantic validator's findings with the generator's,
// and belt the parser with an interpreter compile check.
func (o *Optimizer) assemble(ctx context.Context, rl *logging.RequestLogger, task *agent.TaskDefinition, analysis *trace.PatternAnalysis, c candidate) *Proposal {
	semantic := validate.Validate(c.fullCode, task, o.def.Tools)
	logging.Audit().ValidationCheck(logging.AuditSemanticCheck, task.Name, len(semantic))
	violations := unionViolations(c.violations, semantic)

	if err := sandbox.CompileCheck(ctx, c.fullCode); err != nil {
		logging.Audit().ValidationCheck(logging.AuditSandboxCheck, task.Name, 1)
		violations = unionViolations(violations, []validate.Violation{{
			Type:    validate.ViolationSyntaxError,
			Message: fmt.Sprintf("compile check failed: %v", err),
		}})
	} else {
		logging.Audit().ValidationCheck(logging.AuditSandboxCheck, task.Name, 0)
	}

	proposal := &Proposal{
		TaskName:          task.Name,
		CurrentCode:       task.CurrentCode(),
		ProposedCode:      c.body,
		FullGeneratedCode: c.fullCode,
		ConsistencyScore:  analysis.ConsistencyScore,
		ExecutionCount:    analysis.ExecutionCount,
		Pattern:           c.pattern,
		Impact:            estimateImpact(analysis.ExecutionCount),
		Violations:        violations,
		ReadyToDeploy:     len(violations) == 0 && c.deployGate,
		SynthesisMethod:   c.method,
	}
	logging.Audit().ProposalCreated(task.Name, string(c.method), proposal.ReadyToDeploy, len(violations))
	rl.Info("proposal via %s, %d violations, deploy ready %v",
		c.method, len(violations), proposal.ReadyToDeploy)
	return proposal
}

// unionViolations merges violation lists, dropping exact duplicates the
// generator and the assembly passes both reported.
func unionViolations(a, b []validate.Violation) []validate.Violation {
	if len(b) == 0 {
		return a
	}
	seen := make(map[validate.Violation]bool, len(a))
	for _, v := range a {
		seen[v] = true
	}
	out := a
	for _, v := range b {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}

// ApplyResult describes the change a proposal would make. Action is
// always an intent, never a completed mutation.
type ApplyResult struct {
	Success     bool
	TaskName    string
	UpdatedCode string
	Action      string
	Message     string
}

// Apply turns a proposal into an intent descriptor for an external
// deployment collaborator. Proposals carrying violations are refused.
// No state is mutated or persisted here.
func (o *Optimizer) Apply(ctx context.Context, proposal *Proposal) (*ApplyResult, error) {
	if proposal == nil {
		return nil, fmt.Errorf("no proposal to apply")
	}
	if len(proposal.Violations) > 0 {
		logging.OptimizerWarn("%s: refusing to apply proposal with %d violations", proposal.TaskName, len(proposal.Violations))
		logging.Audit().ApplyIntent(proposal.TaskName, applyAction, false)
		return &ApplyResult{
			Success:  false,
			TaskName: proposal.TaskName,
			Action:   applyAction,
			Message:  fmt.Sprintf("proposal has %d validation violations; review required before applying", len(proposal.Violations)),
		}, nil
	}

	logging.Audit().ApplyIntent(proposal.TaskName, applyAction, true)
	return &ApplyResult{
		Success:     true,
		TaskName:    proposal.TaskName,
		UpdatedCode: proposal.FullGeneratedCode,
		Action:      applyAction,
		Message:     fmt.Sprintf("task %q would be updated with the generated implementation", proposal.TaskName),
	}, nil
}
