package cli

import (
	"context"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/davidthor/instctl/pkg/state/types"
)

func newRunsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "runs",
		Aliases: []string{"run"},
		Short:   "Inspect recorded install runs",
	}

	cmd.AddCommand(newRunsListCmd())
	cmd.AddCommand(newRunsShowCmd())
	cmd.AddCommand(newRunsDeleteCmd())

	return cmd
}

type stateFlags struct {
	backendType   string
	backendConfig []string
}

func (f *stateFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.backendType, "backend", "", "State backend type")
	cmd.Flags().StringArrayVar(&f.backendConfig, "backend-config", nil, "Backend configuration (key=value)")
	_ = cmd.RegisterFlagCompletionFunc("backend", completeBackends)
}

func newRunsListCmd() *cobra.Command {
	var (
		outputFormat string
		state        stateFlags
	)

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List install runs, newest first",
		Long: `List install runs recorded in the state backend.

Examples:
  instctl runs list
  instctl runs list -o json
  instctl runs list --backend s3 --backend-config bucket=ops-state`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			out := cmd.OutOrStdout()

			mgr, err := createStateManagerWithConfig(state.backendType, state.backendConfig)
			if err != nil {
				return fmt.Errorf("failed to create state manager: %w", err)
			}

			refs, err := mgr.ListRuns(ctx)
			if err != nil {
				return fmt.Errorf("failed to list runs: %w", err)
			}

			if done, err := printStructured(out, outputFormat, refs); done {
				return err
			}
			printRunRefs(out, refs)
			return nil
		},
	}

	cmd.Flags().StringVarP(&outputFormat, "output", "o", "table", "Output format: table, json, yaml")
	state.register(cmd)

	return cmd
}

func printRunRefs(out io.Writer, refs []types.RunRef) {
	if len(refs) == 0 {
		fmt.Fprintln(out, "No runs found.")
		return
	}
	fmt.Fprintf(out, "%-38s %-8s %-8s %-7s %-12s %s\n", "ID", "VERSION", "TARGETS", "FAILED", "DURATION", "STARTED")
	for _, ref := range refs {
		duration := "running"
		if !ref.EndedAt.IsZero() {
			duration = ref.EndedAt.Sub(ref.StartedAt).Round(time.Second).String()
		}
		fmt.Fprintf(out, "%-38s %-8s %-8d %-7d %-12s %s\n",
			ref.ID, ref.Version, ref.Targets, ref.Failed, duration, formatTimeAgo(ref.StartedAt))
	}
}

func newRunsShowCmd() *cobra.Command {
	var (
		outputFormat string
		state        stateFlags
	)

	cmd := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show one run and its per-target results",
		Long: `Show the request and per-target results of a recorded run.

Examples:
  instctl runs show 7f0c8a4e-1b1e-4c55-9a57-3c1c1b0f6a10
  instctl runs show 7f0c8a4e-1b1e-4c55-9a57-3c1c1b0f6a10 -o yaml`,
		Args:              cobra.ExactArgs(1),
		ValidArgsFunction: completeRunIDs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			out := cmd.OutOrStdout()

			mgr, err := createStateManagerWithConfig(state.backendType, state.backendConfig)
			if err != nil {
				return fmt.Errorf("failed to create state manager: %w", err)
			}

			run, err := mgr.GetRun(ctx, args[0])
			if err != nil {
				return err
			}
			results, err := mgr.ListResults(ctx, run.ID)
			if err != nil {
				return fmt.Errorf("failed to list results: %w", err)
			}
			sort.Slice(results, func(i, j int) bool { return results[i].Target() < results[j].Target() })

			report := struct {
				Run     *types.RunState        `json:"run" yaml:"run"`
				Results []*types.InstallResult `json:"results" yaml:"results"`
			}{run, results}
			if done, err := printStructured(out, outputFormat, report); done {
				return err
			}

			printRun(cmd, run, results)
			return nil
		},
	}

	cmd.Flags().StringVarP(&outputFormat, "output", "o", "table", "Output format: table, json, yaml")
	state.register(cmd)

	return cmd
}

func printRun(cmd *cobra.Command, run *types.RunState, results []*types.InstallResult) {
	out := cmd.OutOrStdout()

	fmt.Fprintf(out, "Run:       %s\n", run.ID)
	fmt.Fprintf(out, "Version:   %s\n", run.Request.Version)
	if len(run.Request.Features) > 0 {
		fmt.Fprintf(out, "Features:  %v\n", run.Request.Features)
	}
	if run.User != "" {
		fmt.Fprintf(out, "Started:   %s by %s on %s\n", run.StartedAt.Format(time.RFC3339), run.User, run.Host)
	} else {
		fmt.Fprintf(out, "Started:   %s\n", run.StartedAt.Format(time.RFC3339))
	}
	if run.Complete() {
		fmt.Fprintf(out, "Ended:     %s\n", run.EndedAt.Format(time.RFC3339))
	} else {
		fmt.Fprintln(out, "Ended:     (incomplete)")
	}
	fmt.Fprintln(out)

	if len(results) == 0 {
		fmt.Fprintln(out, "No results recorded.")
		return
	}
	fmt.Fprintf(out, "%-32s %-10s %-6s %-12s %s\n", "TARGET", "STATUS", "EXIT", "BUILD", "ERROR")
	for _, res := range results {
		exit := "-"
		if res.ExitCode != nil {
			exit = fmt.Sprintf("%d", *res.ExitCode)
		}
		fmt.Fprintf(out, "%-32s %-10s %-6s %-12s %s\n",
			truncateString(res.Target(), 32), res.Status, exit, res.Build, truncateString(res.Error, 60))
	}
}

func newRunsDeleteCmd() *cobra.Command {
	var (
		autoApprove bool
		state       stateFlags
	)

	cmd := &cobra.Command{
		Use:               "delete <run-id>",
		Aliases:           []string{"rm"},
		Short:             "Delete a recorded run and its results",
		Args:              cobra.ExactArgs(1),
		ValidArgsFunction: completeRunIDs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			out := cmd.OutOrStdout()

			mgr, err := createStateManagerWithConfig(state.backendType, state.backendConfig)
			if err != nil {
				return fmt.Errorf("failed to create state manager: %w", err)
			}
			if _, err := mgr.GetRun(ctx, args[0]); err != nil {
				return err
			}

			if !autoApprove {
				fmt.Fprintf(out, "Delete run %s and all of its results? [y/N]: ", args[0])
				if !confirmYes(cmd.InOrStdin()) {
					fmt.Fprintln(out, "Cancelled.")
					return nil
				}
			}

			if err := mgr.DeleteRun(ctx, args[0]); err != nil {
				return fmt.Errorf("failed to delete run: %w", err)
			}
			fmt.Fprintf(out, "Deleted run %s\n", args[0])
			return nil
		},
	}

	cmd.Flags().BoolVar(&autoApprove, "auto-approve", false, "Skip the confirmation prompt")
	state.register(cmd)

	return cmd
}

// formatTimeAgo formats a time as a human-readable relative time.
func formatTimeAgo(t time.Time) string {
	duration := time.Since(t)

	switch {
	case duration < time.Minute:
		return "just now"
	case duration < time.Hour:
		mins := int(duration.Minutes())
		if mins == 1 {
			return "1 minute ago"
		}
		return fmt.Sprintf("%d minutes ago", mins)
	case duration < 24*time.Hour:
		hours := int(duration.Hours())
		if hours == 1 {
			return "1 hour ago"
		}
		return fmt.Sprintf("%d hours ago", hours)
	case duration < 30*24*time.Hour:
		days := int(duration.Hours() / 24)
		if days == 1 {
			return "1 day ago"
		}
		return fmt.Sprintf("%d days ago", days)
	default:
		return t.Format("2006-01-02")
	}
}
