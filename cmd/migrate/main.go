// Command migrate applies or inspects the schema migrations backing the
// Postgres collab.Directory implementation (internal/collab/directorypg).
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/openreplicator/agreement-engine/internal/database"
	"github.com/openreplicator/agreement-engine/internal/database/postgres"
)

func main() {
	logger := slog.Default()

	root := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the agreement-engine Postgres schema",
	}

	var steps int

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			pool, err := connect(cmd.Context(), logger)
			if err != nil {
				return err
			}
			defer pool.Close()
			return database.RunMigrations(cmd.Context(), pool, logger)
		},
	}

	downCmd := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			pool, err := connect(cmd.Context(), logger)
			if err != nil {
				return err
			}
			defer pool.Close()
			return database.RunMigrationsDown(cmd.Context(), pool, steps, logger)
		},
	}
	downCmd.Flags().IntVar(&steps, "steps", 1, "number of migrations to roll back")

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Print the current migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			pool, err := connect(cmd.Context(), logger)
			if err != nil {
				return err
			}
			defer pool.Close()
			return database.GetMigrationStatus(cmd.Context(), pool, logger)
		},
	}

	root.AddCommand(upCmd, downCmd, statusCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func connect(ctx context.Context, logger *slog.Logger) (*postgres.PostgresPool, error) {
	cfg := postgres.LoadFromEnv()
	pool := postgres.NewPostgresPool(cfg, logger)
	if err := pool.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	return pool, nil
}
