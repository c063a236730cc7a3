package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Global flags, applied on top of config.yaml and the environment.
	flagLogLevel  string
	flagLogFormat string
)

var rootCmd = &cobra.Command{
	Use:   "eda-agent",
	Short: "Chat with a CSV file: ask questions and get answers and charts",
	Long: `eda-agent loads a CSV dataset and answers natural-language questions about it.
An LLM writes pandas code, a sandboxed Python executor runs it, and the results
come back as a written answer with an optional chart.`,
	SilenceUsage: true,
}

// Execute is the entry point called by main.main()
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "log level: debug|info|warn|error (overrides LOG_LEVEL)")
	rootCmd.PersistentFlags().StringVar(&flagLogFormat, "log-format", "", "log format: console|json (overrides LOG_FORMAT)")
}
