package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/untoldecay/engram/internal/app"
	"github.com/untoldecay/engram/internal/logging"
	"github.com/untoldecay/engram/internal/mcp"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the memory tools over JSON-RPC on stdin/stdout",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := logging.New()
		defer func() { _ = logger.Sync() }()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		application, err := app.New(ctx, logger)
		if err != nil {
			return err
		}
		defer func() { _ = application.Close() }()
		application.Start(ctx)

		return mcp.New(application, os.Stdin, os.Stdout, logger).Run(ctx)
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}
