package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"

	"github.com/coderoomhq/coderoom/internal/collab"
	"github.com/coderoomhq/coderoom/internal/room"
	"github.com/coderoomhq/coderoom/internal/server"
	"github.com/coderoomhq/coderoom/internal/server/middleware"
	"github.com/coderoomhq/coderoom/pkg/config"
	"github.com/coderoomhq/coderoom/pkg/logging"
)

func main() {
	logger := logging.New(logging.LevelInfo)
	slog.SetDefault(logger)

	cfg, err := config.Load(logger, "config")
	if err != nil {
		logger.Error("Failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}
	logger = logging.New(logging.ParseLevel(cfg.LogLevel))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	deps, cleanup, err := buildDeps(ctx, logger, cfg)
	if err != nil {
		logger.Error("Failed to connect collaborators", slog.Any("error", err))
		os.Exit(1)
	}
	defer cleanup()

	var authorizer collab.Authorizer
	var grant middleware.Granter
	if cfg.Server.Auth.OpenMode {
		logger.Warn("Open mode enabled: any authenticated user may join any room")
		authorizer = collab.OpenAuthorizer{}
	} else {
		claims := collab.NewClaimAuthorizer()
		authorizer = claims
		grant = claims.Grant
	}

	app := server.NewApp(logger, ctx, cfg, deps, authorizer, grant)
	if err := app.Run(); err != nil {
		logger.Error("Application run failed", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("Application shut down successfully.")
}

// buildDeps selects the collaborator backends from config.
func buildDeps(ctx context.Context, logger *slog.Logger, cfg *config.Config) (room.Deps, func(), error) {
	exec := collab.NewHTTPExecutor(cfg.Executor.Endpoint, cfg.Executor.RequestTimeout, logger)

	if cfg.Store.Backend != "external" {
		logger.Info("Using in-memory document store and event log")
		return room.Deps{
			Docs:   collab.NewMemoryDocumentStore(),
			Events: collab.NewMemoryEventLog(),
			Exec:   exec,
		}, func() {}, nil
	}

	docs, err := collab.NewPostgresDocumentStore(ctx, cfg.Store.PostgresURL, logger)
	if err != nil {
		return room.Deps{}, nil, err
	}
	events, err := collab.NewRedisEventLog(ctx, cfg.Store.RedisAddr, logger)
	if err != nil {
		docs.Close()
		return room.Deps{}, nil, err
	}
	logger.Info("Connected to Postgres and Redis")

	cleanup := func() {
		docs.Close()
		if err := events.Close(); err != nil {
			logger.Warn("Failed to close redis client", slog.Any("error", err))
		}
	}
	return room.Deps{Docs: docs, Events: events, Exec: exec}, cleanup, nil
}
