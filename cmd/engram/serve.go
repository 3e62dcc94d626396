package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/untoldecay/engram/internal/app"
	"github.com/untoldecay/engram/internal/config"
	"github.com/untoldecay/engram/internal/logging"
	"github.com/untoldecay/engram/internal/server"
)

var serveListen string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP server with background workers",
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

		addr := serveListen
		if addr == "" {
			addr = config.GetString("server.listen")
		}

		s := server.New(application, logger)
		errCh := make(chan error, 1)
		go func() { errCh <- s.ListenAndServe(addr) }()

		select {
		case <-ctx.Done():
			logger.Info("shutting down", zap.String("reason", "signal"))
			return nil
		case err := <-errCh:
			return err
		}
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "listen address (default from server.listen)")
	rootCmd.AddCommand(serveCmd)
}
