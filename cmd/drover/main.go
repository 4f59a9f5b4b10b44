// Command drover runs the session coordinator: the HTTP surface, the run
// queue, the worker registry, and the lifecycle reaper in one process.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/droverhq/drover/internal/api"
	"github.com/droverhq/drover/internal/blueprint"
	"github.com/droverhq/drover/internal/common/config"
	"github.com/droverhq/drover/internal/common/httpmw"
	"github.com/droverhq/drover/internal/common/logger"
	"github.com/droverhq/drover/internal/common/tracing"
	"github.com/droverhq/drover/internal/coordinator"
	"github.com/droverhq/drover/internal/db"
	"github.com/droverhq/drover/internal/events"
	"github.com/droverhq/drover/internal/gateway/websocket"
	"github.com/droverhq/drover/internal/session"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "drover: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	logger.SetDefault(log)
	defer log.Sync()

	log.Info("Starting drover coordinator",
		zap.String("host", cfg.Server.Host),
		zap.Int("port", cfg.Server.Port),
		zap.String("db_path", cfg.Database.Path))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eventBus, err := events.NewEventBus(cfg.NATS, log)
	if err != nil {
		return fmt.Errorf("failed to create event bus: %w", err)
	}
	defer eventBus.Close()

	database, err := db.Open(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer database.Close()

	store, err := session.NewStore(database, log)
	if err != nil {
		return fmt.Errorf("failed to create session store: %w", err)
	}

	blueprints := blueprint.NewRegistry(cfg.Blueprints.Dir, log)
	if err := blueprints.LoadDir(); err != nil {
		log.Warn("Failed to load blueprint directory", zap.Error(err))
	}

	service := coordinator.NewService(cfg, store, blueprints, eventBus, log)

	hub := websocket.NewHub(log)
	notifier := websocket.NewNotifier(hub, eventBus, log)
	if err := notifier.Start(); err != nil {
		return fmt.Errorf("failed to start realtime notifier: %w", err)
	}
	defer notifier.Stop()

	router := newRouter(cfg, service, hub, store, log)
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})

	g.Go(func() error {
		return service.RunReaper(gctx)
	})

	if cfg.Blueprints.Dir != "" && cfg.Blueprints.Watch {
		g.Go(func() error {
			return blueprints.Watch(gctx)
		})
	}

	g.Go(func() error {
		log.Info("HTTP server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := tracing.Shutdown(shutdownCtx); err != nil {
			log.Warn("Tracing shutdown error", zap.Error(err))
		}
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("Coordinator stopped")
	return nil
}

func newRouter(cfg *config.Config, service *coordinator.Service, hub *websocket.Hub, store *session.Store, log *logger.Logger) *gin.Engine {
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.RequestLogger(log, "drover"))
	router.Use(httpmw.OtelTracing("drover"))
	router.Use(httpmw.CORS(cfg.Server.CORSOrigins))
	router.Use(httpmw.BearerAuth(cfg.Auth.Enabled, cfg.Auth.Token))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "drover"})
	})

	api.RegisterRoutes(router, service, cfg, log)

	wsHandler := websocket.NewHandler(hub, store, log)
	router.GET("/ws", wsHandler.HandleConnection)

	return router
}
