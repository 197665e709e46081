package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/danpasecinic/execflow/internal/client"
	"github.com/danpasecinic/execflow/internal/config"
)

var (
	cfgFile   string
	serverURL string
	verbose   bool
)

var rootCmd = &cobra.Command{
	Use:   "execflow",
	Short: "execflow - submit and track task runs on remote job backends",
	Long: `execflow talks to an execflow coordinator over its REST API.

Task runs are submitted as job definitions, executed on the configured
backend (Cloud Run, Docker, Kubernetes), and tracked until they reach a
terminal state.`,
	Version:           "0.1.0",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return initConfig() },
	SilenceUsage:      true,
	SilenceErrors:     true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.execflow/execflow.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "coordinator API URL (overrides server_url)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
}

// initConfig loads settings from the config file and EXECFLOW_* variables and
// makes them the active settings for this process.
func initConfig() error {
	var overrides map[string]any
	if serverURL != "" {
		overrides = map[string]any{"server_url": serverURL}
	}

	settings, err := config.Load(cfgFile, overrides)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if cfgFile != "" && verbose {
		_, _ = fmt.Fprintf(os.Stderr, "Using config file: %s\n", cfgFile)
	}

	config.SetActive(settings)
	return nil
}

// GetServerURL returns the coordinator URL commands talk to.
func GetServerURL() string {
	if serverURL != "" {
		return serverURL
	}
	return config.Active().ServerURL
}

// IsVerbose returns whether verbose mode is enabled
func IsVerbose() bool {
	return verbose
}

func apiClient() *client.Client {
	settings := config.Active()
	settings.ServerURL = GetServerURL()
	return client.New(settings)
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
