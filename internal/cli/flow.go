package cli

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/danpasecinic/execflow/internal/types"
)

var flowCmd = &cobra.Command{
	Use:   "flow",
	Short: "Manage flows and flow runs",
	Long:  `Register, list, inspect, run, and delete flows.`,
}

// Flow create command
var flowCreateTags []string

var flowCreateCmd = &cobra.Command{
	Use:   "create [name]",
	Short: "Register a flow",
	Long: `Register a flow by name. Registering an existing name returns the
existing flow.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		flow, err := apiClient().CreateFlow(commandContext(cmd), args[0], flowCreateTags)
		if err != nil {
			return fmt.Errorf("failed to create flow: %w", err)
		}

		out := cmd.OutOrStdout()
		_, _ = fmt.Fprintln(out, "Flow registered:")
		_, _ = fmt.Fprintf(out, "  ID:   %s\n", flow.ID)
		_, _ = fmt.Fprintf(out, "  Name: %s\n", flow.Name)
		if len(flow.Tags) > 0 {
			_, _ = fmt.Fprintf(out, "  Tags: %s\n", strings.Join(flow.Tags, ", "))
		}
		return nil
	},
}

// Flow list command
var (
	flowListNames []string
	flowListLike  string
)

var flowListCmd = &cobra.Command{
	Use:   "list",
	Short: "List flows",
	Long: `List flows, optionally filtered by exact name or by a glob pattern.

Examples:
  execflow flow list --like 'etl-*'
  execflow flow list --name nightly-report`,
	Aliases: []string{"ls"},
	RunE: func(cmd *cobra.Command, args []string) error {
		flows, err := apiClient().ReadFlows(
			commandContext(cmd), types.FlowFilter{
				Names: flowListNames,
				Like:  flowListLike,
			},
		)
		if err != nil {
			return fmt.Errorf("failed to list flows: %w", err)
		}

		out := cmd.OutOrStdout()
		if len(flows) == 0 {
			_, _ = fmt.Fprintln(out, "No flows found.")
			return nil
		}

		w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
		_, _ = fmt.Fprintf(w, "ID\tNAME\tTAGS\tCREATED\n")
		for _, f := range flows {
			tags := strings.Join(f.Tags, ",")
			if tags == "" {
				tags = "-"
			}
			_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", f.ID, f.Name, tags, formatDuration(time.Since(f.CreatedAt)))
		}
		_ = w.Flush()
		return nil
	},
}

var flowGetCmd = &cobra.Command{
	Use:   "get [flow-id]",
	Short: "Show a flow and its runs",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := commandContext(cmd)
		client := apiClient()

		flow, err := client.GetFlow(ctx, args[0])
		if err != nil {
			return fmt.Errorf("failed to get flow: %w", err)
		}
		runs, err := client.ListFlowRuns(ctx, flow.ID)
		if err != nil {
			return fmt.Errorf("failed to list flow runs: %w", err)
		}

		out := cmd.OutOrStdout()
		_, _ = fmt.Fprintln(out, "Flow Details:")
		_, _ = fmt.Fprintf(out, "  ID:      %s\n", flow.ID)
		_, _ = fmt.Fprintf(out, "  Name:    %s\n", flow.Name)
		_, _ = fmt.Fprintf(out, "  Created: %s\n", flow.CreatedAt.Format(time.RFC3339))
		if len(flow.Tags) > 0 {
			_, _ = fmt.Fprintf(out, "  Tags:    %s\n", strings.Join(flow.Tags, ", "))
		}

		if len(runs) == 0 {
			return nil
		}

		_, _ = fmt.Fprintln(out, "\nFlow Runs:")
		w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
		_, _ = fmt.Fprintf(w, "  ID\tNAME\tSTATE\tCREATED\n")
		for _, r := range runs {
			_, _ = fmt.Fprintf(w, "  %s\t%s\t%s\t%s\n", r.ID, r.Name, r.State, formatDuration(time.Since(r.CreatedAt)))
		}
		_ = w.Flush()
		return nil
	},
}

var flowDeleteCmd = &cobra.Command{
	Use:   "delete [flow-id]",
	Short: "Delete a flow with its runs",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := apiClient().DeleteFlow(commandContext(cmd), args[0]); err != nil {
			return fmt.Errorf("failed to delete flow: %w", err)
		}
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Flow %s deleted\n", args[0])
		return nil
	},
}

// Flow run command
var flowRunName string

var flowRunCmd = &cobra.Command{
	Use:   "run [flow-id]",
	Short: "Start a flow run",
	Long: `Start a flow run. Attach task runs to it with
  execflow run --flow-run <flow-run-id> ...`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		run, err := apiClient().CreateFlowRun(commandContext(cmd), args[0], flowRunName)
		if err != nil {
			return fmt.Errorf("failed to create flow run: %w", err)
		}

		out := cmd.OutOrStdout()
		_, _ = fmt.Fprintln(out, "Flow run created:")
		_, _ = fmt.Fprintf(out, "  ID:    %s\n", run.ID)
		_, _ = fmt.Fprintf(out, "  Name:  %s\n", run.Name)
		_, _ = fmt.Fprintf(out, "  State: %s\n", run.State)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(flowCmd)
	flowCmd.AddCommand(flowCreateCmd)
	flowCmd.AddCommand(flowListCmd)
	flowCmd.AddCommand(flowGetCmd)
	flowCmd.AddCommand(flowDeleteCmd)
	flowCmd.AddCommand(flowRunCmd)

	flowCreateCmd.Flags().StringArrayVarP(&flowCreateTags, "tag", "t", []string{}, "flow tags")
	flowListCmd.Flags().StringArrayVar(&flowListNames, "name", []string{}, "exact flow names to match")
	flowListCmd.Flags().StringVar(&flowListLike, "like", "", "glob pattern the flow name must match")
	flowRunCmd.Flags().StringVar(&flowRunName, "name", "", "flow run name (generated when empty)")
}
