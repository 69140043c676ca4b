package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dtroode/notesfed/internal/config"
	"github.com/dtroode/notesfed/internal/federation"
	"github.com/dtroode/notesfed/internal/keycrypto"
	"github.com/dtroode/notesfed/internal/logger"
	"github.com/dtroode/notesfed/internal/model"
	"github.com/dtroode/notesfed/internal/repository/postgres"
	"github.com/dtroode/notesfed/internal/service"
	"github.com/dtroode/notesfed/internal/token"
)

// withUsers opens the user directory of the configured database.
func withUsers(ctx context.Context, fn func(cfg *config.Config, users *postgres.UserRepository) error) error {
	cfg, err := config.NewConfig()
	if err != nil {
		return err
	}
	if cfg.Database.DSN == "" {
		return errors.New("DATABASE_DSN is not set; the in-memory directory cannot be managed from the CLI")
	}

	db, err := postgres.NewConection(ctx, cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer db.Close()

	return fn(cfg, postgres.NewUserRepository(db))
}

func userCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage the local user directory",
	}

	var (
		publicKey string
		devices   []string
	)
	addCmd := &cobra.Command{
		Use:   "add <username>",
		Short: "Register a user and their public keys",
		Long: `Register a user with the base64 X25519 key their primary envelopes are
wrapped to. Additional device keys are given as --device id=base64key.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := keycrypto.Decode(publicKey); err != nil {
				return fmt.Errorf("invalid --public-key: %w", err)
			}
			parsed, err := parseDevices(devices)
			if err != nil {
				return err
			}

			return withUsers(cmd.Context(), func(cfg *config.Config, users *postgres.UserRepository) error {
				user, err := users.Create(cmd.Context(), model.User{Username: args[0], PublicKey: publicKey})
				if err != nil {
					return err
				}
				for _, d := range parsed {
					d.UserID = user.ID
					if err := users.AddDevice(cmd.Context(), d); err != nil {
						return err
					}
				}

				handle := federation.Handle{User: user.Username, Domain: cfg.Domain}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s (%d devices)\n", handle, user.ID, len(parsed))
				return nil
			})
		},
	}
	addCmd.Flags().StringVar(&publicKey, "public-key", "", "base64 X25519 public key of the account")
	addCmd.Flags().StringArrayVar(&devices, "device", nil, "device key as id=base64key, repeatable")
	_ = addCmd.MarkFlagRequired("public-key")

	cmd.AddCommand(addCmd)
	return cmd
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue client access tokens",
	}

	issueCmd := &cobra.Command{
		Use:   "issue <username>",
		Short: "Print an access token for a registered user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withUsers(cmd.Context(), func(cfg *config.Config, users *postgres.UserRepository) error {
				tokens := service.NewTokenService(token.NewJWT(cfg.JWT.Secret, cfg.JWT.TTL), users, logger.New(cfg.LogLevel))
				access, err := tokens.Issue(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), access)
				return nil
			})
		},
	}

	cmd.AddCommand(issueCmd)
	return cmd
}

func parseDevices(raw []string) ([]model.Device, error) {
	devices := make([]model.Device, 0, len(raw))
	for _, entry := range raw {
		id, key, ok := strings.Cut(entry, "=")
		if !ok || id == "" || key == "" {
			return nil, fmt.Errorf("invalid --device %q, want id=base64key", entry)
		}
		if _, err := keycrypto.Decode(key); err != nil {
			return nil, fmt.Errorf("invalid key of device %q: %w", id, err)
		}
		devices = append(devices, model.Device{DeviceID: id, PublicKey: key})
	}
	return devices, nil
}
