package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coderoomhq/coderoom/internal/collab"
	"github.com/coderoomhq/coderoom/internal/room"
	"github.com/coderoomhq/coderoom/internal/router"
	"github.com/coderoomhq/coderoom/internal/server/middleware"
	"github.com/coderoomhq/coderoom/pkg/config"
	"github.com/coderoomhq/coderoom/pkg/transport"
	"github.com/google/uuid"
)

type App struct {
	logger   *slog.Logger
	config   *config.Config
	manager  *room.Manager
	router   *router.Router
	registry *connRegistry
	wg       sync.WaitGroup
	http     *http.Server

	ctx context.Context
}

// NewApp wires the full service: room manager, message router, middleware
// chain, and the websocket endpoint.
func NewApp(
	logger *slog.Logger,
	rootCtx context.Context,
	cfg *config.Config,
	deps room.Deps,
	authorizer collab.Authorizer,
	grant middleware.Granter,
) *App {
	manager := room.NewManager(rootCtx, logger, room.Config{
		OpLogDepth: cfg.Room.OpLogDepth,
		RunTimeout: cfg.Room.RunTimeout,
	}, deps)

	app := &App{
		logger:   logger,
		config:   cfg,
		manager:  manager,
		router:   router.New(logger, manager, authorizer),
		registry: newConnRegistry(),
		ctx:      rootCtx,
	}

	// Cycling closes the user's oldest connection to make room for the new
	// one.
	connCycler := func(userID string) {
		if oldest, found := app.registry.oldest(userID); found {
			logger.Info("Cycling connection: closing oldest", "userID", userID, "connID", oldest.ID())
			oldest.Close(errors.New("connection cycled by new connection"))
		}
	}

	mux := http.NewServeMux()
	mux.Handle("/ws",
		middleware.Chain(http.HandlerFunc(app.upgradeHandler),
			middleware.RequestMetadataMiddleware(),
			middleware.NewRequestLogger(logger),
			middleware.NewAuthMiddleware(logger, cfg.Server.Auth.JWTSecret, grant),
			middleware.NewConnectionLimiter(logger, app.registry.count, connCycler, cfg.Server.ConnectionLimit),
		),
	)

	app.http = &http.Server{
		Addr:    cfg.Server.Address,
		Handler: mux,
		BaseContext: func(l net.Listener) context.Context {
			return rootCtx
		},
	}
	return app
}

func (a *App) Run() error {
	go func() {
		a.logger.Info("Server starting", slog.String("addr", a.http.Addr))
		if err := a.http.ListenAndServe(); err != http.ErrServerClosed {
			a.logger.Error("HTTP server failed", slog.Any("error", err))
		}
	}()

	<-a.ctx.Done()
	return a.Shutdown()
}

func (a *App) upgradeHandler(w http.ResponseWriter, r *http.Request) {
	reqMeta, ok := middleware.ReqMetadataFrom(r.Context())
	if !ok {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	connLogger := a.logger.With(
		slog.String("remoteAddr", reqMeta.IP),
		slog.String("userID", reqMeta.Identity.UserID),
	)

	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		a.logger.Error("Failed to accept websocket connection", slog.Any("error", err))
		return
	}

	conn := transport.NewConnection(
		r.Context(),
		&a.wg,
		wsConn,
		transport.ConnectionConfig{ReadTimeout: a.config.Transport.ReadTimeout},
		a.logger,
	)

	identity := reqMeta.Identity
	a.registry.add(identity.UserID, conn)

	sess := a.router.NewSession(identity, conn)
	conn.SetOnMessageHandler(sess.HandleMessage)
	conn.SetOnCloseHandler(func(id uuid.UUID, err error) {
		sess.HandleClose(id, err)
		a.registry.remove(identity.UserID, id)
	})

	connLogger.Info("User connection fully established")
	conn.Run()
	<-conn.Done()
}

// Shutdown runs the graceful shutdown sequence: stop accepting, close all
// live connections, stop room sequencers, wait for connection goroutines.
func (a *App) Shutdown() error {
	a.logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.http.Shutdown(shutdownCtx); err != nil {
		return err
	}

	a.logger.Info("Closing all active connections...")
	for _, conn := range a.registry.all() {
		conn.Close(errors.New("graceful shutdown"))
	}

	a.manager.Shutdown()

	// Wait for all connection goroutines to finish their cleanup.
	a.wg.Wait()
	a.logger.Info("Server shut down gracefully.")
	return nil
}
