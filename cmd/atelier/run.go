package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/atelier-dev/atelier/internal/common/config"
	"github.com/atelier-dev/atelier/internal/common/logger"
	"github.com/atelier-dev/atelier/internal/pipeline"
	"github.com/atelier-dev/atelier/internal/session"
	"github.com/atelier-dev/atelier/internal/tracing"
)

var (
	runWorkspace        string
	runPrompt           string
	runPromptFile       string
	runProvider         string
	runMaxWaves         int
	runParallelCrafters int
	runCrafterCmd       string
	runCrafterArgs      []string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a prompt through the agent pipeline",
	Long: `Run one orchestration: plan the prompt into tasks, craft them in waves,
and verify until every task is approved or the wave budget runs out.

Progress renders one line per phase on stdout; logs go to stderr.
Exit code 0 on success or a taskless plan, 2 when the wave budget is
exhausted, 1 on failure.

Examples:
  atelier run --workspace myproject --prompt "Add a login form"
  atelier run -w myproject -f prompt.md --provider process --crafter ./my-agent
`,
	SilenceUsage: true,
	RunE:         runRun,
}

func init() {
	runCmd.Flags().StringVarP(&runWorkspace, "workspace", "w", "", "Workspace id the crew works on (required)")
	runCmd.Flags().StringVarP(&runPrompt, "prompt", "p", "", "Prompt text")
	runCmd.Flags().StringVarP(&runPromptFile, "prompt-file", "f", "", "Read the prompt from a file")
	runCmd.Flags().StringVar(&runProvider, "provider", "", "Agent provider: process, workspace, remote, or llm")
	runCmd.Flags().IntVar(&runMaxWaves, "max-waves", 0, "Craft/verify wave budget (default from config)")
	runCmd.Flags().IntVar(&runParallelCrafters, "parallel-crafters", 0, "Concurrent crafters per wave (default from config)")
	runCmd.Flags().StringVar(&runCrafterCmd, "crafter", "", "Child agent command override")
	runCmd.Flags().StringArrayVar(&runCrafterArgs, "crafter-arg", nil, "Argument for the child agent command (repeatable)")
	_ = runCmd.MarkFlagRequired("workspace")
}

func runRun(cmd *cobra.Command, args []string) error {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	// 2. Initialize the logger on stderr; stdout belongs to progress output
	logCfg := cfg.Logging
	if logCfg.OutputPath == "" || logCfg.OutputPath == "stdout" {
		logCfg.OutputPath = "stderr"
	}
	log, err := logger.New(logger.LoggingConfig(logCfg))
	if err != nil {
		return fmt.Errorf("initialize logger: %w", err)
	}
	logger.SetDefault(log)

	// 3. Name the tracing service; spans stay no-op without an OTLP endpoint
	tracing.SetServiceName(cfg.Tracing.ServiceName)

	// 4. Resolve the prompt
	prompt, err := resolvePrompt()
	if err != nil {
		return err
	}

	// 5. Open the session directory and manager
	dir, err := session.ProvideDirectory(cfg, log)
	if err != nil {
		return fmt.Errorf("open session directory: %w", err)
	}
	mgr := session.NewManager(cfg, dir, log)

	// 6. Cancel the run on SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 7. Execute the pipeline
	orch := session.NewOrchestrator(mgr, log)
	outcome, execErr := orch.Execute(ctx, session.ExecuteRequest{
		WorkspaceID: runWorkspace,
		Prompt:      prompt,
		Options: session.CreateOptions{
			Provider:         runProvider,
			AgentCmd:         runCrafterCmd,
			AgentArgs:        runCrafterArgs,
			MaxIterations:    runMaxWaves,
			ParallelCrafters: runParallelCrafters,
			OnPhase:          renderPhase,
		},
	})

	// 8. Tear sessions down before reporting, so child agents never outlive
	// the run
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if serr := mgr.Shutdown(shutdownCtx); serr != nil {
		log.Error("Session manager shutdown error", zap.Error(serr))
	}
	_ = tracing.Shutdown(shutdownCtx)

	if execErr != nil {
		_ = log.Sync()
		return execErr
	}

	// 9. Report the outcome
	printOutcome(outcome)
	_ = log.Sync()
	os.Exit(outcomeExitCode(outcome))
	return nil
}

// resolvePrompt returns the prompt from exactly one of the two sources.
func resolvePrompt() (string, error) {
	if (runPrompt == "") == (runPromptFile == "") {
		return "", errors.New("exactly one of --prompt or --prompt-file is required")
	}
	if runPrompt != "" {
		return runPrompt, nil
	}
	data, err := os.ReadFile(runPromptFile)
	if err != nil {
		return "", fmt.Errorf("read prompt file: %w", err)
	}
	prompt := strings.TrimSpace(string(data))
	if prompt == "" {
		return "", fmt.Errorf("prompt file %s is empty", runPromptFile)
	}
	return prompt, nil
}

// renderPhase prints one progress line per pipeline phase.
func renderPhase(ev pipeline.PhaseEvent) {
	switch ev.Phase {
	case pipeline.PhasePlanning:
		fmt.Println("planning: coordinator is drafting a plan")
	case pipeline.PhasePlanReady:
		fmt.Println("planning: plan ready")
	case pipeline.PhaseTasksRegistered:
		fmt.Printf("tasks: %d registered\n", ev.Count)
	case pipeline.PhaseWaveStarted:
		fmt.Printf("wave %d: started\n", ev.Wave)
	case pipeline.PhaseCrafterStarted:
		fmt.Printf("wave %d: crafter working on task %s\n", ev.Wave, ev.TaskID)
	case pipeline.PhaseCrafterCompleted:
		fmt.Printf("wave %d: crafter finished task %s\n", ev.Wave, ev.TaskID)
	case pipeline.PhaseVerificationStarted:
		fmt.Printf("wave %d: verifying\n", ev.Wave)
	case pipeline.PhaseVerificationCompleted:
		fmt.Printf("wave %d: verification complete\n", ev.Wave)
	case pipeline.PhaseNeedsFix:
		fmt.Printf("wave %d: %d task(s) sent back for fixes\n", ev.Wave, ev.Count)
	case pipeline.PhaseCompleted:
		fmt.Println("run: completed")
	case pipeline.PhaseMaxWavesReached:
		fmt.Printf("run: wave budget exhausted after wave %d\n", ev.Wave)
	case pipeline.PhaseFailed:
		fmt.Printf("run: failed (%s)\n", ev.Text)
	}
}

func printOutcome(o *pipeline.Outcome) {
	fmt.Println()
	switch o.Kind {
	case pipeline.OutcomeSuccess:
		fmt.Printf("Success in %d wave(s).\n", o.Waves)
	case pipeline.OutcomeNoTasks:
		fmt.Println("The coordinator produced a plan with no tasks:")
		fmt.Println()
		fmt.Println(o.PlanText)
	case pipeline.OutcomeMaxWaves:
		fmt.Printf("Stopped after %d wave(s) without full approval.\n", o.Waves)
	case pipeline.OutcomeError:
		fmt.Printf("Run failed at %s: %v\n", o.FailedStage, o.Err)
	}

	if len(o.Tasks) > 0 {
		fmt.Println()
		fmt.Printf("%-38s %-16s %-13s %s\n", "TASK ID", "STATUS", "VERDICT", "TITLE")
		fmt.Println(strings.Repeat("-", 92))
		for _, task := range o.Tasks {
			fmt.Printf("%-38s %-16s %-13s %s\n", task.ID, task.Status, task.Verdict, task.Title)
		}
	}
}

func outcomeExitCode(o *pipeline.Outcome) int {
	switch o.Kind {
	case pipeline.OutcomeError:
		return 1
	case pipeline.OutcomeMaxWaves:
		return 2
	default:
		return 0
	}
}
