package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var outcomesCmd = &cobra.Command{
	Use:   "outcomes [task-run-id]",
	Short: "Show recorded outcomes of a task run",
	Long:  `Show the terminal outcome recorded for each execution of a task run.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := commandContext(cmd)
		out := cmd.OutOrStdout()

		outcomes, err := apiClient().ListOutcomes(ctx, args[0])
		if err != nil {
			return fmt.Errorf("failed to list outcomes: %w", err)
		}

		if len(outcomes) == 0 {
			_, _ = fmt.Fprintln(out, "No outcomes recorded.")
			return nil
		}

		w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
		_, _ = fmt.Fprintf(w, "ATTEMPT\tGENERATION\tSTATE\tEXECUTION\tRECORDED\tMESSAGE\n")
		for _, o := range outcomes {
			execution := o.ExecutionName
			if execution == "" {
				execution = "-"
			}
			_, _ = fmt.Fprintf(
				w, "%d\t%d\t%s\t%s\t%s\t%s\n",
				o.Attempt,
				o.Generation,
				o.State,
				execution,
				formatDuration(time.Since(o.RecordedAt)),
				o.Message,
			)
		}
		_ = w.Flush()
		return nil
	},
}

func init() {
	rootCmd.AddCommand(outcomesCmd)
}
