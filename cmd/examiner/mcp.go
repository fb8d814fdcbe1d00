package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fpang/ielts-examiner/internal/cli"
	"github.com/fpang/ielts-examiner/internal/mcpserver"
	"github.com/fpang/ielts-examiner/internal/metrics"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve evaluation tools over the Model Context Protocol (stdio)",
	Long: `MCP runs a Model Context Protocol server on stdin/stdout with the tools
evaluate_essay_text, evaluate_essay_images and get_result. Logs go to stderr.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		// stdout carries the protocol.
		metrics.SetOutput(io.Discard)

		cfg, p := cli.InitPipeline(configFlag)
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return mcpserver.New(p, cfg.MaxRawBytes, commitHash).Run(ctx)
	},
}
