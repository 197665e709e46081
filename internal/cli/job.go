package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var jobCmd = &cobra.Command{
	Use:   "job",
	Short: "Manage backend jobs",
}

var jobDeleteCmd = &cobra.Command{
	Use:   "delete [job-name...]",
	Short: "Delete backend jobs",
	Long: `Delete jobs by fully-qualified name, e.g.
projects/my-project/locations/us-central1/jobs/extract-1a2b3c.

Deleting a job that no longer exists is not an error.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := commandContext(cmd)
		client := apiClient()

		for _, name := range args {
			if err := client.DeleteJob(ctx, name); err != nil {
				return fmt.Errorf("failed to delete job %s: %w", name, err)
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Deleted job %s\n", name)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(jobCmd)
	jobCmd.AddCommand(jobDeleteCmd)
}
