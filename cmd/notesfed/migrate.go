package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dtroode/notesfed/internal/config"
	"github.com/dtroode/notesfed/internal/repository/postgres"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.NewConfig()
			if err != nil {
				return err
			}
			if cfg.Database.DSN == "" {
				return errors.New("DATABASE_DSN is not set")
			}
			if err := postgres.Migrate(cmd.Context(), cfg.Database.DSN); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}
}
