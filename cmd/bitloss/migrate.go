package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bitloss-labs/bitloss/internal/config"
	"github.com/bitloss-labs/bitloss/internal/store/postgres"
)

func newMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the PostgreSQL schema",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withPostgres(cmd, func(s *postgres.Store) error {
					if err := postgres.MigrateUp(s.DB()); err != nil {
						return err
					}
					fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the most recent migration",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withPostgres(cmd, func(s *postgres.Store) error {
					return postgres.MigrateDown(s.DB())
				})
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print the applied migration version",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withPostgres(cmd, func(s *postgres.Store) error {
					v, dirty, err := postgres.MigrationVersion(s.DB())
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "version %d (dirty: %t)\n", v, dirty)
					return nil
				})
			},
		},
	)

	return cmd
}

// withPostgres connects to DATABASE_URL regardless of the selected store, so
// the schema can be prepared before switching BITLOSS_STORE to postgres.
func withPostgres(cmd *cobra.Command, fn func(*postgres.Store) error) error {
	cfg, err := config.Load(envFile)
	if err != nil {
		return err
	}
	if cfg.Postgres.DSN == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	s, err := postgres.Open(cmd.Context(), cfg.Postgres.DSN, postgres.Options{}, cfg.RetryPolicy())
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(s)
}
