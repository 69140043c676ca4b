package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc/health"

	apicontext "github.com/dtroode/notesfed/internal/api/context"
	grpchealth "github.com/dtroode/notesfed/internal/api/grpc/health"
	grpcrouter "github.com/dtroode/notesfed/internal/api/grpc/router"
	grpcserver "github.com/dtroode/notesfed/internal/api/grpc/server"
	httpserver "github.com/dtroode/notesfed/internal/api/http/server"
	"github.com/dtroode/notesfed/internal/app"
	"github.com/dtroode/notesfed/internal/config"
	"github.com/dtroode/notesfed/internal/identity"
	"github.com/dtroode/notesfed/internal/logger"
	"github.com/dtroode/notesfed/internal/model"
	"github.com/dtroode/notesfed/internal/repository/memory"
	"github.com/dtroode/notesfed/internal/repository/postgres"
	"github.com/dtroode/notesfed/internal/server"
	storage "github.com/dtroode/notesfed/internal/storage/minio"
)

const (
	shutdownTimeout = 10 * time.Second
	healthInterval  = 15 * time.Second
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the federation and client API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT, os.Interrupt)
			defer stop()

			cfg, err := config.NewConfig()
			if err != nil {
				return err
			}
			return serve(ctx, cfg, logger.New(cfg.LogLevel))
		},
	}
}

func serve(ctx context.Context, cfg *config.Config, logger *logger.Logger) error {
	id, created, err := identity.LoadOrCreate(cfg.IdentityFile, cfg.Domain)
	if err != nil {
		return fmt.Errorf("failed to load server identity: %w", err)
	}
	if created {
		logger.Info("generated new server identity", "file", cfg.IdentityFile, "domain", id.Domain)
	}

	healthServer := health.NewServer()
	monitor := grpchealth.NewMonitor(healthServer, healthInterval, logger)
	monitor.Add("notesfed.federation", func(context.Context) error { return nil })

	var stores app.Stores
	if cfg.Database.DSN == "" {
		logger.Warn("DATABASE_DSN is empty, keeping all state in memory")
		stores = app.Stores{
			Documents: memory.NewDocumentRepository(),
			Members:   memory.NewMemberRepository(),
			Ops:       memory.NewOpRepository(),
			Users:     memory.NewUserRepository(),
		}
	} else {
		db, err := postgres.NewConection(ctx, cfg.Database.DSN)
		if err != nil {
			return fmt.Errorf("failed to initialize storage: %w", err)
		}
		defer db.Close()

		stores = app.Stores{
			Documents: postgres.NewDocumentRepository(db),
			Members:   postgres.NewMemberRepository(db),
			Ops:       postgres.NewOpRepository(db),
			Users:     postgres.NewUserRepository(db),
		}
		monitor.Add("notesfed.database", db.Ping)
	}

	var objects model.Storage
	if cfg.Storage.Enabled {
		client, err := storage.Connect(ctx, storage.Options{
			Endpoint:  cfg.Storage.Endpoint,
			AccessKey: cfg.Storage.AccessKey,
			SecretKey: cfg.Storage.SecretKey,
			UseSSL:    cfg.Storage.UseSSL,
			Bucket:    cfg.Storage.Bucket,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize snapshot storage: %w", err)
		}
		objects = client
		monitor.Add("notesfed.snapshots", func(ctx context.Context) error {
			_, err := client.Exists(ctx, model.SnapshotKey("health"))
			return err
		})
	}

	node := app.New(cfg, id, stores, objects, logger)
	defer node.Close()

	grpcRouter := grpcrouter.New(node.Tokens, healthServer, apicontext.NewManager(), logger)
	servers := []serverEntry{
		{
			server: httpserver.NewHTTPServer(node.Handler, fmt.Sprintf(":%s", cfg.HTTP.Port)),
			layer:  server.NewSecurityLayer(cfg.HTTP.EnableHTTPS, cfg.HTTP.CertFileName, cfg.HTTP.PrivateKeyFileName),
		},
		{
			server: grpcserver.NewGRPCServer(grpcRouter.Register(), fmt.Sprintf(":%s", cfg.GRPC.Port)),
			layer:  server.NewSecurityLayer(cfg.GRPC.EnableHTTPS, cfg.GRPC.CertFileName, cfg.GRPC.PrivateKeyFileName),
		},
	}

	monitorCtx, stopMonitor := context.WithCancel(ctx)
	defer stopMonitor()
	go monitor.Run(monitorCtx)

	failed := make(chan error, len(servers))
	var wg sync.WaitGroup
	for _, e := range servers {
		wg.Add(1)
		go func(e serverEntry) {
			defer wg.Done()
			logger.Info("Starting server on", "address", e.server.Address())
			if err := e.server.Start(e.layer); err != nil {
				logger.Error("failed to start server", "error", err, "address", e.server.Address())
				failed <- err
			}
		}(e)
	}

	logger.Info("serving federation", "domain", id.Domain, "version", buildVersion, "commit", buildCommit)

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("received interruption signal, shutting down")
	case runErr = <-failed:
	}
	stopMonitor()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	for _, e := range servers {
		if err := e.server.Stop(shutdownCtx); err != nil {
			logger.Error("error during server shutdown", "error", err, "address", e.server.Address())
			runErr = errors.Join(runErr, err)
		}
	}

	wg.Wait()
	logger.Info("shutdown complete")
	return runErr
}

type serverEntry struct {
	server model.Server
	layer  model.SecurityLayer
}
