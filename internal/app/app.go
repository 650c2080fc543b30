// Package app wires configuration, storage, services and transports into a
// runnable server.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"golang.org/x/sync/errgroup"

	"github.com/rongwang/shipprep-server/internal/api"
	"github.com/rongwang/shipprep-server/internal/auth"
	"github.com/rongwang/shipprep-server/internal/config"
	"github.com/rongwang/shipprep-server/internal/realtime"
	"github.com/rongwang/shipprep-server/internal/repository"
	"github.com/rongwang/shipprep-server/internal/scheduler"
	"github.com/rongwang/shipprep-server/internal/service"
	"github.com/rongwang/shipprep-server/internal/utils"
)

const shutdownTimeout = 10 * time.Second

// App is a fully wired server
type App struct {
	cfg       *config.Config
	logger    *utils.Logger
	db        *sqlx.DB
	repo      repository.Repository
	service   *service.DefaultService
	gateway   *realtime.Gateway
	scheduler *scheduler.Scheduler
	router    *gin.Engine
}

// New connects to the database, migrates it and builds every component.
// ctx bounds migrations and becomes the parent of realtime update contexts.
func New(ctx context.Context, cfg *config.Config, logger *utils.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = utils.NewLogger()
	}

	// Set up database connection
	db, err := config.SetupDatabase(ctx, cfg, logger.With("component", "migrations"))
	if err != nil {
		return nil, err
	}

	// Create repository
	repo, err := NewRepository(cfg, db, logger.With("component", "repository"))
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	// Create service
	svc := service.NewDefaultService(repo, logger.With("component", "service"))

	verifier := auth.NewVerifier(cfg.Auth.JWTSecret)
	registry := realtime.NewRegistry()
	dispatcher := realtime.NewDispatcher(svc, registry, logger.With("component", "dispatcher"))
	gateway := realtime.NewGateway(ctx, realtime.GatewayConfig{
		WriteTimeout:   cfg.Realtime.WriteTimeout,
		PongTimeout:    cfg.Realtime.PongTimeout,
		SendBuffer:     cfg.Realtime.SendBuffer,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	}, verifier, registry, dispatcher, logger.With("component", "gateway"))

	sched, err := scheduler.New(cfg.Scheduler.DurationRefreshSpec, svc, logger.With("component", "scheduler"))
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	// Set up Gin router
	router := gin.Default()
	router.Use(api.CORSMiddleware(cfg.Server.AllowedOrigins))

	// Set up routes
	handler := api.NewHandler(svc, verifier, dispatcher, logger.With("component", "api"))
	handler.SetupRoutes(router, gateway.Handle)

	return &App{
		cfg:       cfg,
		logger:    logger,
		db:        db,
		repo:      repo,
		service:   svc,
		gateway:   gateway,
		scheduler: sched,
		router:    router,
	}, nil
}

// NewRepository picks the repository for the configured storage layout
func NewRepository(cfg *config.Config, db *sqlx.DB, logger *utils.Logger) (repository.Repository, error) {
	switch cfg.Storage.Layout {
	case config.LayoutWide:
		repo, err := repository.NewGormRepository(db.DB, cfg.Database.QueryTimeout, logger)
		if err != nil {
			return nil, err
		}
		return repo, nil
	case config.LayoutSplit:
		return repository.NewSQLRepository(db, cfg.Database.QueryTimeout, logger), nil
	}
	return nil, fmt.Errorf("unsupported storage layout %q", cfg.Storage.Layout)
}

func (a *App) Router() *gin.Engine {
	return a.router
}

func (a *App) DB() *sqlx.DB {
	return a.db
}

func (a *App) Repository() repository.Repository {
	return a.repo
}

func (a *App) Gateway() *realtime.Gateway {
	return a.gateway
}

// Run serves HTTP and runs the scheduler until ctx is cancelled or either
// fails, then shuts both down.
func (a *App) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.logger.Info("starting server", "addr", server.Addr, "layout", a.cfg.Storage.Layout)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to start server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		a.scheduler.Start()
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		a.logger.Info("shutting down")
		a.scheduler.Stop(shutdownCtx)
		a.gateway.Close()
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// Close releases the database pool
func (a *App) Close() error {
	return a.db.Close()
}
