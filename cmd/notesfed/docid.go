package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dtroode/notesfed/internal/docid"
)

func docidCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "docid",
		Short: "Create or inspect portable document ids",
	}

	newCmd := &cobra.Command{
		Use:   "new <domain>",
		Short: "Print a fresh document id for domain",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), docid.New(args[0]))
		},
	}

	parseCmd := &cobra.Command{
		Use:   "parse <id>",
		Short: "Print the origin domain and uuid of a document id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := docid.Parse(args[0])
			if err != nil {
				return err
			}
			origin := id.Origin
			if origin == "" {
				origin = "(local)"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "origin: %s\nuuid:   %s\n", origin, id.UUID)
			return nil
		},
	}

	cmd.AddCommand(newCmd, parseCmd)
	return cmd
}
