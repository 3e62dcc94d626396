package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/untoldecay/engram/internal/app"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print index and runtime status as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		application, err := app.New(ctx, zap.NewNop())
		if err != nil {
			return err
		}
		defer func() { _ = application.Close() }()

		index, err := application.Store.GetIndexStatus(ctx)
		if err != nil {
			return err
		}
		payload := map[string]any{
			"index":  index,
			"worker": application.Runtime.Worker.Status(),
			"lanes":  application.Runtime.Lanes.Status(),
		}
		encoded, err := json.MarshalIndent(payload, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(encoded))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
