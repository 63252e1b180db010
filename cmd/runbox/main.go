package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var rootCmd = &cobra.Command{
	Use:           "runbox",
	Short:         "runbox - sandboxed task execution platform",
	Long:          `runbox admits tasks against subscription plans, runs them in isolated containers and meters their usage.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	// No RunE - defaults to showing help when no subcommand is provided
}

var (
	apiAddr    string
	apiKey     string
	configPath string
	logLevel   string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&apiAddr, "api", envOr("RUNBOX_API", "http://127.0.0.1:7480"), "API server address")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("RUNBOX_API_KEY"), "API key (default $RUNBOX_API_KEY)")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default $RUNBOX_CONFIG or ./runbox.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")

	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(taskCmd)
	rootCmd.AddCommand(workersCmd)
	rootCmd.AddCommand(sandboxesCmd)
	rootCmd.AddCommand(usageCmd)
	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the runbox version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), version)
	},
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
