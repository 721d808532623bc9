package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"matchgate/internal/admin"
	"matchgate/internal/auth"
	"matchgate/internal/config"
	"matchgate/internal/db"
	"matchgate/internal/keymanager"
	"matchgate/internal/ledger"
	"matchgate/internal/logger"
	"matchgate/internal/proxy"
	"matchgate/internal/quota"
	"matchgate/internal/scheduler"

	"github.com/gin-gonic/gin"
)

// customRecovery is a middleware that recovers from panics and handles http.ErrAbortHandler gracefully.
func customRecovery(log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if recovered := recover(); recovered != nil {
				if recovered == http.ErrAbortHandler {
					log.Warn("Client connection aborted", "path", c.Request.URL.Path)
					c.Abort()
					return
				}

				log.Error("Panic recovered",
					"error", recovered,
					"path", c.Request.URL.Path,
					"stack", string(debug.Stack()),
				)
				c.AbortWithStatus(http.StatusInternalServerError)
			}
		}()
		c.Next()
	}
}

// newLedger selects the usage-ledger backend from configuration.
func newLedger(cfg *config.Config, dbService db.Service) (quota.Ledger, error) {
	switch cfg.Ledger.Backend {
	case "redis":
		return ledger.NewRedis(cfg.Redis, quota.Window)
	default:
		return ledger.NewDatabase(dbService), nil
	}
}

// setupAndRunServer wires the gateway together and blocks until shutdown.
func setupAndRunServer(cfg *config.Config, log *slog.Logger, dbService db.Service) error {
	usageLedger, err := newLedger(cfg, dbService)
	if err != nil {
		return fmt.Errorf("failed to initialize usage ledger: %w", err)
	}
	log.Info("Usage ledger initialized", "backend", cfg.Ledger.Backend)

	sweep := scheduler.NewScheduler(usageLedger, log)
	sweep.Start()
	defer sweep.Stop()
	log.Info("Ledger sweep scheduler started")

	keyManager := keymanager.NewKeyManager(dbService, cfg, log)

	matcherProxy, err := proxy.NewMatcherProxy(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to create matcher proxy: %w", err)
	}

	router := gin.New()
	router.Use(customRecovery(log))
	if cfg.Debug {
		router.Use(gin.Logger())
	}

	router.GET("/healthz", func(c *gin.Context) {
		if err := dbService.Ping(); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": "database unreachable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	admin.SetupRoutes(router, keyManager, cfg)

	apiGroup := router.Group("/api")
	apiGroup.Use(auth.Middleware(dbService, log))
	apiGroup.Use(quota.Middleware(usageLedger, log))
	apiGroup.Any("/*path", matcherProxy.Handler())

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: router,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("Starting server", "port", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	// Wait for interrupt signal to gracefully shut down the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-serverErr:
		return err
	case <-quit:
	}
	log.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if closer, ok := usageLedger.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			log.Warn("Failed to close usage ledger", "error", err)
		}
	}

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	log.Info("Server exiting")
	return nil
}

func main() {
	cfg, warning, err := config.LoadConfig("config.yaml")
	if err != nil {
		// Use a temporary logger for startup errors
		slog.Error("Error loading configuration", "error", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Debug)
	log.Info("Logger initialized", "debug_mode", cfg.Debug)
	if warning != "" {
		log.Warn(warning)
	}

	dbService, err := db.NewService(cfg.Database)
	if err != nil {
		log.Error("Error initializing database", "error", err)
		os.Exit(1)
	}
	log.Info("Database initialized", "type", cfg.Database.Type)

	if err := setupAndRunServer(cfg, log, dbService); err != nil {
		log.Error("Server error", "error", err)
		os.Exit(1)
	}
}
