package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/stepwise/internal/guardrail"
	"github.com/fyrsmithlabs/stepwise/internal/tools"
)

var (
	dryRunTool    string
	dryRunTarget  string
	dryRunCommand string
	dryRunContent string
	dryRunArgs    map[string]string
	dryRunJSON    bool
	patternsJSON  bool
)

var dryRunCmd = &cobra.Command{
	Use:   "dry-run",
	Short: "Preview the guardrail decision for one operation",
	Long: `Assess one tool call exactly as the engine would before running it,
without asking for confirmation or touching anything.

Examples:
  stepwise dry-run --tool run_command --command "rm -rf /tmp/x"
  stepwise dry-run --tool write_file --target .env --content "TOKEN=abc"`,
	Args: cobra.NoArgs,
	RunE: runDryRun,
}

var patternsCmd = &cobra.Command{
	Use:   "patterns",
	Short: "List the active dangerous-pattern rules",
	Args:  cobra.NoArgs,
	RunE:  runPatterns,
}

func init() {
	dryRunCmd.Flags().StringVar(&dryRunTool, "tool", "", "tool name, e.g. run_command or write_file")
	dryRunCmd.Flags().StringVar(&dryRunTarget, "target", "", "target path")
	dryRunCmd.Flags().StringVar(&dryRunCommand, "command", "", "shell command")
	dryRunCmd.Flags().StringVar(&dryRunContent, "content", "", "content to write")
	dryRunCmd.Flags().StringToStringVar(&dryRunArgs, "arg", nil, "extra tool arguments (key=value)")
	dryRunCmd.Flags().BoolVar(&dryRunJSON, "json", false, "print the result as JSON")
	_ = dryRunCmd.MarkFlagRequired("tool")

	patternsCmd.Flags().BoolVar(&patternsJSON, "json", false, "print the rules as JSON")
}

// dryRunCall builds the tool call from the flags.
func dryRunCall() tools.Call {
	args := make(map[string]string, len(dryRunArgs)+3)
	for k, v := range dryRunArgs {
		args[k] = v
	}
	if dryRunTarget != "" {
		args["path"] = dryRunTarget
	}
	if dryRunCommand != "" {
		args["command"] = dryRunCommand
	}
	if dryRunContent != "" {
		args["content"] = dryRunContent
	}
	return tools.Call{Name: dryRunTool, Args: args}
}

func runDryRun(cmd *cobra.Command, _ []string) error {
	g, err := cliGuardrail(cmd)
	if err != nil {
		return err
	}

	op := tools.OperationForCall("dry-run-"+uuid.NewString()[:8], dryRunCall())
	res := g.DryRun(op)

	out := cmd.OutOrStdout()
	if dryRunJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	fmt.Fprint(out, renderDryRun(res))
	return nil
}

func runPatterns(cmd *cobra.Command, _ []string) error {
	g, err := cliGuardrail(cmd)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if patternsJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(g.Patterns())
	}
	fmt.Fprint(out, renderPatterns(g.Patterns()))
	return nil
}

// cliGuardrail builds the configured guardrail for read-only commands.
func cliGuardrail(cmd *cobra.Command) (*guardrail.Guardrail, error) {
	a, err := loadApp(cmd.Context(), cmd.Name(), nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = a.Close(context.Background()) }()

	g, err := a.newGuardrail()
	if err != nil {
		return nil, fmt.Errorf("building guardrail: %w", err)
	}
	return g, nil
}
