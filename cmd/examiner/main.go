// Command examiner scores IELTS Writing Task 2 essays, from text or
// photographed pages, through the evaluation service. It runs as an HTTP
// API, a one-shot CLI or an MCP tool server.
package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/fpang/ielts-examiner/internal/logging"
)

var configFlag string

var rootCmd = &cobra.Command{
	Use:   "examiner",
	Short: "IELTS essay examiner",
	Long: `Examiner normalizes essay submissions (typed text, one page photo, or a
set of page photos), forwards them to the evaluation service and reports band
scores with feedback.

Examples:
  examiner serve --port 8080
  examiner evaluate --text-file essay.txt
  examiner evaluate page1.heic page2.heic
  examiner evaluate --pick
  examiner mcp`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logging.Init()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", os.Getenv("EXAMINER_CONFIG"), "YAML configuration file")
	rootCmd.AddCommand(serveCmd, evaluateCmd, mcpCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
