package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/untoldecay/engram/internal/config"
	"github.com/untoldecay/engram/internal/storage/sqlite"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		url := config.GetString("database.url")
		store, err := sqlite.New(context.Background(), url)
		if err != nil {
			return fmt.Errorf("migrating %s: %w", url, err)
		}
		defer func() { _ = store.Close() }()
		fmt.Printf("database %s is up to date\n", url)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
