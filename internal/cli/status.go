package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check that the coordinator is reachable",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := commandContext(cmd)
		client := apiClient()

		if err := client.Health(ctx); err != nil {
			return fmt.Errorf("coordinator at %s is unhealthy: %w", client.BaseURL(), err)
		}
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Coordinator at %s is healthy\n", client.BaseURL())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
