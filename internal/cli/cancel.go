package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var cancelCmd = &cobra.Command{
	Use:   "cancel [task-run-id]",
	Short: "Cancel a task run",
	Long: `Request cancellation of a task run's active execution.

The request is asynchronous: the task run moves to CANCELLED once the
backend reports the execution as cancelled.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := commandContext(cmd)

		run, err := apiClient().CancelTaskRun(ctx, args[0])
		if err != nil {
			return fmt.Errorf("failed to cancel task run: %w", err)
		}

		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Cancellation requested for task run %s (state: %s)\n", run.ID, run.State)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(cancelCmd)
}
