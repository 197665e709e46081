package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/danpasecinic/execflow/internal/coordinator"
	"github.com/danpasecinic/execflow/internal/types"
)

var (
	runFile      string
	runImage     string
	runEnv       []string
	runCommand   []string
	runFlowRunID string
	runTaskRunID string
	runRetries   int
	runWait      bool
	runPollEvery time.Duration
)

var runCmd = &cobra.Command{
	Use:   "run [name]",
	Short: "Submit a task run",
	Long: `Submit a job definition to the coordinator as a task run.

Examples:
  # Run a single image
  execflow run extract --image busybox --command echo,hello

  # Submit a request described in YAML and wait for it to finish
  execflow run -f extract.yaml --wait

Request file format:
  taskRunId: optional-id
  flowRunId: optional-flow-run
  maxRetries: 2
  definition:
    name: extract
    image: busybox
    command: [echo, hello]
    env:
      KEY: value
`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req, err := buildSubmitRequest(cmd, args)
		if err != nil {
			return err
		}

		ctx := commandContext(cmd)

		client := apiClient()
		run, err := client.SubmitTaskRun(ctx, req)
		if err != nil {
			return fmt.Errorf("failed to submit task run: %w", err)
		}

		out := cmd.OutOrStdout()
		_, _ = fmt.Fprintln(out, "Task run submitted:")
		printTaskRunSummary(out, run)

		if !runWait {
			return nil
		}

		final, err := waitForTaskRun(ctx, run.ID, runPollEvery)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintf(out, "\nTask run %s finished: %s\n", final.ID, final.State)
		if final.Message != "" {
			_, _ = fmt.Fprintf(out, "  Message: %s\n", final.Message)
		}
		if final.State != types.RunStateSucceeded {
			return fmt.Errorf("task run %s ended in state %s", final.ID, final.State)
		}
		return nil
	},
}

func buildSubmitRequest(cmd *cobra.Command, args []string) (coordinator.SubmitRequest, error) {
	var req coordinator.SubmitRequest

	if runFile != "" {
		loaded, err := readSubmitRequest(runFile, cmd.InOrStdin())
		if err != nil {
			return req, err
		}
		req = loaded
	}

	if len(args) == 1 {
		req.Definition.Name = args[0]
	}
	if runImage != "" {
		req.Definition.Image = runImage
	}
	if len(runCommand) > 0 {
		req.Definition.Command = runCommand
	}
	if env := parseEnvVars(runEnv); len(env) > 0 {
		if req.Definition.Env == nil {
			req.Definition.Env = make(map[string]string, len(env))
		}
		for k, v := range env {
			req.Definition.Env[k] = v
		}
	}
	if runFlowRunID != "" {
		req.FlowRunID = runFlowRunID
	}
	if runTaskRunID != "" {
		req.TaskRunID = runTaskRunID
	}
	if cmd.Flags().Changed("retries") {
		req.MaxRetries = runRetries
	}

	if req.Definition.Name == "" {
		return req, fmt.Errorf("name is required (argument or definition.name in --file)")
	}
	if req.Definition.Image == "" {
		return req, fmt.Errorf("image is required (use --image flag or definition.image in --file)")
	}
	return req, nil
}

// readSubmitRequest decodes a YAML request from path, or from stdin when
// path is "-".
func readSubmitRequest(path string, stdin io.Reader) (coordinator.SubmitRequest, error) {
	var req coordinator.SubmitRequest

	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return req, fmt.Errorf("failed to read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &req); err != nil {
		return req, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return req, nil
}

// parseEnvVars parses KEY=VALUE pairs. Entries without '=' or with an empty
// key are ignored.
func parseEnvVars(pairs []string) map[string]string {
	env := make(map[string]string)
	for _, e := range pairs {
		key, value, ok := strings.Cut(e, "=")
		if !ok || key == "" {
			continue
		}
		env[key] = value
	}
	return env
}

func waitForTaskRun(ctx context.Context, id string, every time.Duration) (*types.TaskRun, error) {
	if every <= 0 {
		every = time.Second
	}
	client := apiClient()
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		run, err := client.GetTaskRun(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("failed to get task run: %w", err)
		}
		if run.State.IsTerminal() {
			return run, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func printTaskRunSummary(w io.Writer, run *types.TaskRun) {
	_, _ = fmt.Fprintf(w, "  ID:      %s\n", run.ID)
	_, _ = fmt.Fprintf(w, "  Name:    %s\n", run.Name)
	_, _ = fmt.Fprintf(w, "  Image:   %s\n", run.Definition.Image)
	_, _ = fmt.Fprintf(w, "  State:   %s\n", run.State)
	_, _ = fmt.Fprintf(w, "  Attempt: %d\n", run.Attempt)
	if run.FlowRunID != "" {
		_, _ = fmt.Fprintf(w, "  Flow run: %s\n", run.FlowRunID)
	}

	if IsVerbose() && len(run.Definition.Env) > 0 {
		_, _ = fmt.Fprintln(w, "\nEnvironment variables:")
		for k, v := range run.Definition.Env {
			_, _ = fmt.Fprintf(w, "  %s=%s\n", k, v)
		}
	}
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVarP(&runFile, "file", "f", "", "YAML request file (- for stdin)")
	runCmd.Flags().StringVarP(&runImage, "image", "i", "", "container image to run")
	runCmd.Flags().StringArrayVarP(&runEnv, "env", "e", []string{}, "environment variables (KEY=VALUE)")
	runCmd.Flags().StringSliceVar(&runCommand, "command", nil, "container command (comma separated)")
	runCmd.Flags().StringVar(&runFlowRunID, "flow-run", "", "flow run to attach the task run to")
	runCmd.Flags().StringVar(&runTaskRunID, "id", "", "task run ID (generated when empty)")
	runCmd.Flags().IntVar(&runRetries, "retries", 0, "times a failed execution is resubmitted")
	runCmd.Flags().BoolVarP(&runWait, "wait", "w", false, "wait for the task run to finish")
	runCmd.Flags().DurationVar(&runPollEvery, "poll-interval", time.Second, "status poll interval with --wait")
}
