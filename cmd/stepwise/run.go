package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/stepwise/internal/engine"
	"github.com/fyrsmithlabs/stepwise/internal/guardrail"
	"github.com/fyrsmithlabs/stepwise/internal/tasks"
	"github.com/fyrsmithlabs/stepwise/internal/workflows"
)

// errTaskFailed makes the process exit non-zero when a task fails. The plan
// itself has already been printed.
var errTaskFailed = errors.New("task failed")

var (
	runAutoApprove bool
	runDeny        bool
	runJSON        bool
	runFile        string
	runParallel    int
	runTemporal    bool
)

var runCmd = &cobra.Command{
	Use:   "run [task]",
	Short: "Run a task through the execution engine",
	Long: `Run a natural-language task through understanding, approach, planning,
execution and validation. Risky steps ask for confirmation on the terminal.

Examples:
  # Run one task
  stepwise run "read config.yaml and print the first 200 chars"

  # Never ask, deny every risky step
  stepwise run --deny "clean up the build directory"

  # Run every line of a file, two at a time
  stepwise run --file tasks.txt --parallel 2

  # Hand the task to a Temporal worker and wait for it
  stepwise run --temporal "summarize README.md"`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().BoolVar(&runAutoApprove, "auto-approve", false, "approve every confirmation")
	runCmd.Flags().BoolVar(&runDeny, "deny", false, "deny every confirmation")
	runCmd.Flags().BoolVar(&runJSON, "json", false, "print the execution plan as JSON")
	runCmd.Flags().StringVarP(&runFile, "file", "f", "", "file with one task per line")
	runCmd.Flags().IntVarP(&runParallel, "parallel", "p", 1, "tasks to run at once with --file")
	runCmd.Flags().BoolVar(&runTemporal, "temporal", false, "run through a Temporal worker")
	runCmd.MarkFlagsMutuallyExclusive("auto-approve", "deny")
}

func runRun(cmd *cobra.Command, args []string) error {
	descriptions, err := taskDescriptions(args, runFile)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := loadApp(ctx, "run", runConfirmer(cmd))
	if err != nil {
		return err
	}
	defer func() { _ = a.Close(context.Background()) }()

	if runTemporal {
		return runViaTemporal(ctx, cmd.OutOrStdout(), a, descriptions)
	}

	g, err := a.newGuardrail()
	if err != nil {
		return fmt.Errorf("building guardrail: %w", err)
	}
	eng, err := a.newEngine(g)
	if err != nil {
		return err
	}

	var plans []*engine.ExecutionPlan
	if len(descriptions) == 1 {
		plan, err := eng.ExecuteTask(ctx, descriptions[0])
		if err != nil {
			return err
		}
		plans = append(plans, plan)
	} else {
		mgr := tasks.NewManager(eng, runParallel, tasks.WithLogger(a.logger))
		plans, err = mgr.RunBatch(ctx, descriptions, runParallel)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if serr := mgr.Shutdown(shutdownCtx); serr != nil {
			a.logger.Warn(ctx, "task manager shutdown", zap.Error(serr))
		}
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
	}
	return printPlans(cmd.OutOrStdout(), plans, runJSON)
}

func runConfirmer(cmd *cobra.Command) guardrail.Confirmer {
	switch {
	case runAutoApprove:
		return guardrail.AutoConfirmer{Option: guardrail.OptionApprove}
	case runDeny:
		return guardrail.AutoConfirmer{Option: guardrail.OptionDeny}
	default:
		return newTerminalConfirmer(cmd.InOrStdin(), cmd.ErrOrStderr())
	}
}

// taskDescriptions takes the single argument or the non-empty, non-comment
// lines of file.
func taskDescriptions(args []string, file string) ([]string, error) {
	switch {
	case len(args) == 1 && file != "":
		return nil, errors.New("pass a task or --file, not both")
	case len(args) == 1:
		return args, nil
	case file == "":
		return nil, errors.New("a task or --file is required")
	}

	f, err := os.Open(file)
	if err != nil {
		return nil, fmt.Errorf("opening task file: %w", err)
	}
	defer f.Close()

	var out []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading task file: %w", err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("task file %s has no tasks", file)
	}
	return out, nil
}

// printPlans writes plans and returns errTaskFailed if any did not complete.
// A batch interrupted before a task started leaves a nil plan, which is
// skipped.
func printPlans(w io.Writer, plans []*engine.ExecutionPlan, asJSON bool) error {
	var ran []*engine.ExecutionPlan
	for _, p := range plans {
		if p != nil {
			ran = append(ran, p)
		}
	}

	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		var v any = ran
		if len(ran) == 1 {
			v = ran[0]
		}
		if err := enc.Encode(v); err != nil {
			return fmt.Errorf("encoding plan: %w", err)
		}
	} else {
		for i, p := range ran {
			if i > 0 {
				fmt.Fprintln(w)
			}
			fmt.Fprint(w, renderPlan(p))
		}
	}

	if len(ran) < len(plans) {
		return errTaskFailed
	}
	for _, p := range ran {
		if !p.Succeeded() {
			return errTaskFailed
		}
	}
	return nil
}

// runViaTemporal starts one workflow per description and waits for all of
// them.
func runViaTemporal(ctx context.Context, w io.Writer, a *app, descriptions []string) error {
	c, err := dialTemporal(a)
	if err != nil {
		return err
	}
	defer c.Close()

	failed := false
	for _, d := range descriptions {
		run, err := workflows.StartTask(ctx, c, a.cfg.Temporal.TaskQueue, workflows.TaskInput{Description: d})
		if err != nil {
			return err
		}
		a.logger.Info(ctx, "workflow started", zap.String("workflow_id", run.GetID()), zap.String("run_id", run.GetRunID()))

		var res workflows.TaskResult
		if err := run.Get(ctx, &res); err != nil {
			return fmt.Errorf("waiting for workflow %s: %w", run.GetID(), err)
		}
		if runJSON {
			enc := json.NewEncoder(w)
			enc.SetIndent("", "  ")
			if err := enc.Encode(res); err != nil {
				return fmt.Errorf("encoding result: %w", err)
			}
		} else {
			fmt.Fprint(w, renderResult(res))
		}
		failed = failed || !res.Succeeded
	}
	if failed {
		return errTaskFailed
	}
	return nil
}

// renderResult draws a workflow result.
func renderResult(res workflows.TaskResult) string {
	var b strings.Builder
	s := res.Summary
	status := okStyle.Render("completed")
	if !res.Succeeded {
		status = errStyle.Render("failed")
	}
	b.WriteString(titleStyle.Render("Task "+s.TaskID) + "\n")
	b.WriteString(row("Status", status) + "\n")
	if f := s.Failure; f != nil {
		b.WriteString(row("Failed at", f.FailedAt) + "\n")
		b.WriteString(row("Reason", f.Reason) + "\n")
	}
	if s.Verdict != "" {
		b.WriteString(row("Verdict", fmt.Sprintf("%s (%.2f)", s.Verdict, s.Score)) + "\n")
	}
	for _, st := range res.Steps {
		line := fmt.Sprintf("%-8s %-12s %s", st.StepID, st.Tool, st.Status)
		if st.RolledBack {
			line += dimStyle.Render(" (rolled back)")
		}
		b.WriteString(line + "\n")
	}
	return b.String()
}
