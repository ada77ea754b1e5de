package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"tasksmith/internal/agent"
	"tasksmith/internal/config"
	"tasksmith/internal/llm"
	"tasksmith/internal/logging"
	"tasksmith/internal/optimize"
	"tasksmith/internal/pattern"
	"tasksmith/internal/safety"
	"tasksmith/internal/synthesis"
	"tasksmith/internal/trace"
)

var (
	// Global flags
	agentPath  string
	configPath string
	workspace  string
	verbose    bool
	timeout    time.Duration

	// Analyze flags
	minConsistency float64
	minExecutions  int
	hours          int

	// Propose/apply flags
	synthesize bool

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "smith",
	Short: "tasksmith - learns deterministic task code from execution traces",
	Long: `tasksmith watches how an agent's LLM-driven tasks actually run and,
when the recorded tool-call sequences are consistent enough, generates
equivalent deterministic code to run in their place.

The loop: query traces, score consistency, generate code, validate it,
and present a proposal. Nothing deploys automatically. Every proposal
carries its validation verdict and is applied by the operator.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// .env carries backend and LLM credentials during development
		_ = godotenv.Load()

		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		if workspace == "" {
			workspace, _ = os.Getwd()
		}
		if err := logging.Initialize(workspace); err != nil {
			logger.Warn("debug logging unavailable", zap.Error(err))
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.CloseAudit()
		logging.CloseAll()
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// analyzeCmd surveys every neural task for learnable patterns
var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Survey neural tasks for learnable execution patterns",
	Long: `Queries the tracing backend for each neural task's recent executions
and scores how consistent the recorded tool-call sequences are.

Tasks at or above the consistency threshold are ready for optimization;
the rest are listed with the reason they are not.

Example:
  smith --agent agent.yaml analyze --min-consistency 0.9 --hours 48`,
	RunE: runAnalyze,
}

// proposeCmd generates a replacement implementation for one task
var proposeCmd = &cobra.Command{
	Use:   "propose [task]",
	Short: "Generate a deterministic implementation proposal for a task",
	Long: `Analyzes one task's execution history and generates replacement code,
mechanically from the detected tool-call pattern or via LLM synthesis
with --synthesize.

The proposal shows the current definition, the generated code, every
validation violation, and an impact estimate. Review it before applying.`,
	Args: cobra.ExactArgs(1),
	RunE: runPropose,
}

// applyCmd turns a proposal into an update intent
var applyCmd = &cobra.Command{
	Use:   "apply [task]",
	Short: "Generate a proposal and print the update it implies",
	Long: `Runs propose for the task and prints the resulting update intent.
Refuses when the proposal carries validation violations.

tasksmith never rewrites the agent definition itself. The printed
intent is the contract for the deployment tooling that does.`,
	Args: cobra.ExactArgs(1),
	RunE: runApply,
}

// statusCmd shows backend resolution and agent inventory
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show backend resolution and agent task inventory",
	RunE:  runStatus,
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVarP(&agentPath, "agent", "a", "", "Agent definition YAML file (required)")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "smith.yaml", "Configuration file")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", "", "Workspace directory (default: current)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 5*time.Minute, "Operation timeout")

	// Analyze flags
	analyzeCmd.Flags().Float64Var(&minConsistency, "min-consistency", 0.85, "Consistency threshold for readiness")
	analyzeCmd.Flags().IntVar(&minExecutions, "min-executions", 10, "Executions required before a task is analyzable")
	analyzeCmd.Flags().IntVar(&hours, "hours", 24, "Trace lookback window in hours")

	// Synthesis opt-in
	proposeCmd.Flags().BoolVar(&synthesize, "synthesize", false, "Use LLM synthesis instead of pattern detection")
	applyCmd.Flags().BoolVar(&synthesize, "synthesize", false, "Use LLM synthesis instead of pattern detection")

	// Add commands to root
	rootCmd.AddCommand(analyzeCmd)
	rootCmd.AddCommand(proposeCmd)
	rootCmd.AddCommand(applyCmd)
	rootCmd.AddCommand(statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// toolchain is the wired optimizer stack shared by every subcommand.
type toolchain struct {
	cfg            *config.Config
	def            *agent.Definition
	analyzer       *trace.Analyzer
	optimizer      *optimize.Optimizer
	hasSynthesizer bool
}

// loadToolchain builds the stack each subcommand runs on: config with
// env overrides, the agent definition, the resolved tracing backend,
// the safety-gated detector, and the LLM synthesizer when credentials
// are configured. Missing credentials degrade to detection-only.
func loadToolchain() (*toolchain, error) {
	if agentPath == "" {
		return nil, fmt.Errorf("no agent definition given (use --agent <file>)")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	def, err := agent.Load(agentPath)
	if err != nil {
		return nil, err
	}
	logger.Debug("agent definition loaded",
		zap.String("agent", def.Name),
		zap.Int("tasks", len(def.Tasks)))

	analyzer := trace.NewAnalyzer(cfg)
	if analyzer.Available() {
		logger.Debug("tracing backend resolved", zap.String("backend", analyzer.Backend()))
	} else {
		logger.Debug("no tracing backend reachable")
	}

	checker := safety.NewChecker(cfg.Safety)
	detector := pattern.NewDetector(checker)

	opts := []optimize.Option{optimize.WithWorkers(cfg.GetWorkers())}
	withSynthesis := false
	if client, err := llm.NewClient(cfg); err == nil {
		opts = append(opts, optimize.WithSynthesizer(synthesis.NewSynthesizer(client, checker)))
		withSynthesis = true
	} else {
		logger.Debug("synthesis disabled", zap.Error(err))
	}

	return &toolchain{
		cfg:            cfg,
		def:            def,
		analyzer:       analyzer,
		optimizer:      optimize.NewOptimizer(def, analyzer, detector, opts...),
		hasSynthesizer: withSynthesis,
	}, nil
}

// runAnalyze surveys the agent's neural tasks and prints the table of
// optimization opportunities
func runAnalyze(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	tc, err := loadToolchain()
	if err != nil {
		return err
	}

	// Explicit flags win; otherwise the config's learning thresholds
	// apply, same as the flag defaults out of the box.
	opts := optimize.AnalyzeOptions{
		MinConsistency: minConsistency,
		MinExecutions:  minExecutions,
	}
	if !cmd.Flags().Changed("min-consistency") && tc.cfg.Learning.MinConsistency > 0 {
		opts.MinConsistency = tc.cfg.Learning.MinConsistency
	}
	if !cmd.Flags().Changed("min-executions") && tc.cfg.Learning.MinExecutions > 0 {
		opts.MinExecutions = tc.cfg.Learning.MinExecutions
	}
	if cmd.Flags().Changed("hours") {
		opts.TimeRange = trace.TimeRange{From: time.Now().Add(-time.Duration(hours) * time.Hour)}
	}

	logger.Info("analyzing neural tasks",
		zap.String("agent", tc.def.Name),
		zap.Float64("min_consistency", opts.MinConsistency),
		zap.Int("min_executions", opts.MinExecutions))

	opportunities, err := tc.optimizer.Analyze(ctx, opts)
	if err != nil {
		return err
	}

	fmt.Print(renderOpportunities(tc.def.Name, opportunities))
	return nil
}

// runPropose generates and renders a proposal for one task
func runPropose(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	tc, err := loadToolchain()
	if err != nil {
		return err
	}

	taskName := args[0]
	logger.Info("generating proposal",
		zap.String("task", taskName),
		zap.Bool("synthesize", synthesize))

	proposal, err := tc.optimizer.Propose(ctx, taskName, optimize.ProposeOptions{UseSynthesis: synthesize})
	if err != nil {
		return err
	}

	fmt.Print(renderProposal(proposal))
	return nil
}

// runApply generates a proposal and prints the update intent
func runApply(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	tc, err := loadToolchain()
	if err != nil {
		return err
	}

	taskName := args[0]
	proposal, err := tc.optimizer.Propose(ctx, taskName, optimize.ProposeOptions{UseSynthesis: synthesize})
	if err != nil {
		return err
	}

	result, err := tc.optimizer.Apply(ctx, proposal)
	if err != nil {
		return err
	}

	logger.Info("apply evaluated",
		zap.String("task", taskName),
		zap.Bool("accepted", result.Success))

	fmt.Print(renderApplyResult(result, proposal))
	return nil
}

// runStatus reports what the toolchain resolved
func runStatus(cmd *cobra.Command, args []string) error {
	tc, err := loadToolchain()
	if err != nil {
		return err
	}

	fmt.Print(renderStatus(tc))
	return nil
}
