package cli

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/danpasecinic/execflow/internal/types"
)

var (
	psTaskRunID string
	psFlowRunID string
	psStates    []string
)

var psCmd = &cobra.Command{
	Use:   "ps",
	Short: "List task runs",
	Long:  `List task runs or show the details of a specific task run.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := commandContext(cmd)
		client := apiClient()
		out := cmd.OutOrStdout()

		if psTaskRunID != "" {
			run, err := client.GetTaskRun(ctx, psTaskRunID)
			if err != nil {
				return fmt.Errorf("failed to get task run: %w", err)
			}
			printTaskRunDetails(out, run)
			return nil
		}

		filter := types.TaskRunFilter{FlowRunID: psFlowRunID}
		for _, s := range psStates {
			st, err := types.ParseRunState(s)
			if err != nil {
				return err
			}
			filter.States = append(filter.States, st)
		}

		runs, err := client.ListTaskRuns(ctx, filter)
		if err != nil {
			return fmt.Errorf("failed to list task runs: %w", err)
		}

		if len(runs) == 0 {
			_, _ = fmt.Fprintln(out, "No task runs found.")
			return nil
		}

		w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
		_, _ = fmt.Fprintf(w, "ID\tNAME\tIMAGE\tSTATE\tATTEMPT\tBACKEND\tCREATED\n")

		for _, run := range runs {
			backendName := run.Backend
			if backendName == "" {
				backendName = "-"
			}

			_, _ = fmt.Fprintf(
				w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
				run.ID,
				run.Name,
				run.Definition.Image,
				run.State,
				run.Attempt,
				backendName,
				formatDuration(time.Since(run.CreatedAt)),
			)
		}

		_ = w.Flush()
		return nil
	},
}

func printTaskRunDetails(w io.Writer, run *types.TaskRun) {
	_, _ = fmt.Fprintln(w, "Task Run Details:")
	_, _ = fmt.Fprintf(w, "  ID:            %s\n", run.ID)
	_, _ = fmt.Fprintf(w, "  Name:          %s\n", run.Name)
	_, _ = fmt.Fprintf(w, "  Image:         %s\n", run.Definition.Image)
	_, _ = fmt.Fprintf(w, "  State:         %s\n", run.State)
	_, _ = fmt.Fprintf(w, "  Attempt:       %d of %d\n", run.Attempt, run.MaxRetries+1)
	if run.FlowRunID != "" {
		_, _ = fmt.Fprintf(w, "  Flow run:      %s\n", run.FlowRunID)
	}
	if run.Backend != "" {
		_, _ = fmt.Fprintf(w, "  Backend:       %s\n", run.Backend)
	}
	if run.JobName != "" {
		_, _ = fmt.Fprintf(w, "  Job:           %s\n", run.JobName)
	}
	if run.ExecutionName != "" {
		_, _ = fmt.Fprintf(w, "  Execution:     %s (generation %d)\n", run.ExecutionName, run.Generation)
	}
	_, _ = fmt.Fprintf(w, "  Created:       %s\n", run.CreatedAt.Format(time.RFC3339))
	if run.StartedAt != nil {
		_, _ = fmt.Fprintf(w, "  Started:       %s\n", run.StartedAt.Format(time.RFC3339))
	}
	if run.FinishedAt != nil {
		_, _ = fmt.Fprintf(w, "  Finished:      %s\n", run.FinishedAt.Format(time.RFC3339))
	}
	if run.CancelRequested && !run.State.IsTerminal() {
		_, _ = fmt.Fprintln(w, "  Cancel:        requested")
	}
	if run.Message != "" {
		_, _ = fmt.Fprintf(w, "  Message:       %s\n", run.Message)
	}

	if len(run.Definition.Command) > 0 {
		_, _ = fmt.Fprintf(w, "\nCommand: %s\n", strings.Join(run.Definition.Command, " "))
	}
	if len(run.Definition.Env) > 0 {
		_, _ = fmt.Fprintln(w, "\nEnvironment Variables:")
		for k, v := range run.Definition.Env {
			_, _ = fmt.Fprintf(w, "  %s=%s\n", k, v)
		}
	}
}

func init() {
	rootCmd.AddCommand(psCmd)

	psCmd.Flags().StringVarP(&psTaskRunID, "task-run", "t", "", "show details for specific task run ID")
	psCmd.Flags().StringVar(&psFlowRunID, "flow-run", "", "only task runs of this flow run")
	psCmd.Flags().StringSliceVarP(&psStates, "state", "s", nil, "only task runs in these states (comma separated)")
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	}
	if d < 24*time.Hour {
		return fmt.Sprintf("%dh", int(d.Hours()))
	}
	return fmt.Sprintf("%dd", int(d.Hours()/24))
}
