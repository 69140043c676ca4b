package main

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/dtroode/notesfed/internal/config"
	"github.com/dtroode/notesfed/internal/identity"
)

func identityCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "identity",
		Short: "Print the server identity, creating it on first use",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.NewConfig()
			if err != nil {
				return err
			}

			id, created, err := identity.LoadOrCreate(cfg.IdentityFile, cfg.Domain)
			if err != nil {
				return err
			}
			if created {
				cmd.PrintErrf("created %s\n", cfg.IdentityFile)
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(id.Public())
		},
	}
}
