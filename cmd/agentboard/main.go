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

	"github.com/agentboard/agentboard/internal/common/config"
	"github.com/agentboard/agentboard/internal/common/logger"
	"github.com/agentboard/agentboard/internal/dashboard"
	"github.com/agentboard/agentboard/internal/events/bus"
	"github.com/agentboard/agentboard/internal/gateway"
	jobapi "github.com/agentboard/agentboard/internal/job/api"
	"github.com/agentboard/agentboard/internal/job/executor"
	"github.com/agentboard/agentboard/internal/job/store"
)

const version = "0.3.0"

func linkConfig(cfg *config.Config, clientID string, maxReconnects int) gateway.Config {
	return gateway.Config{
		URL:               cfg.Gateway.URL,
		Token:             cfg.Gateway.Token,
		ClientID:          clientID,
		ClientVersion:     version,
		Scopes:            cfg.Gateway.Scopes,
		ReconnectDelay:    cfg.Gateway.ReconnectDelayDuration(),
		MaxReconnects:     maxReconnects,
		HeartbeatInterval: cfg.Gateway.HeartbeatDuration(),
		HandshakeFallback: cfg.Gateway.HandshakeFallbackDuration(),
	}
}

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting agentboard...", zap.String("version", version))

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Connect the event bus
	eventBus, err := bus.NewFromConfig(cfg.NATS, log)
	if err != nil {
		log.Fatal("Failed to connect event bus", zap.Error(err))
	}
	defer eventBus.Close()

	// 5. Open the job store
	jobStore, err := store.New(cfg.Jobs.DataDir, eventBus, log)
	if err != nil {
		log.Fatal("Failed to open job store", zap.Error(err))
	}

	// 6. Open the executor's gateway link. It always reconnects.
	executorLink := gateway.NewLink(linkConfig(cfg, "agentboard-executor", 0), log)
	if err := executorLink.Connect(ctx); err != nil {
		log.Warn("Gateway not reachable yet, reconnecting in background", zap.Error(err))
	}
	defer executorLink.Close()

	agentClient := gateway.NewAgentClient(executorLink, log)
	defer agentClient.Close()

	// 7. Start the job executor
	exec := executor.New(jobStore, agentClient, cfg.Jobs, log)
	exec.Start(ctx)

	// 8. Open the dashboard-facing link and hub
	dashboardLink := gateway.NewLink(linkConfig(cfg, "agentboard-dashboard", cfg.Gateway.MaxReconnects), log)
	if err := dashboardLink.Connect(ctx); err != nil {
		log.Warn("Dashboard link dial failed, reconnecting in background", zap.Error(err))
	}
	defer dashboardLink.Close()

	hub := dashboard.NewHub(log)
	go hub.Run(ctx)

	bridge := dashboard.NewBridge(hub, dashboardLink, eventBus, log)
	if err := bridge.Start(); err != nil {
		log.Fatal("Failed to start dashboard bridge", zap.Error(err))
	}

	// 9. Setup HTTP server with Gin
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(jobapi.Recovery(log))
	router.Use(jobapi.RequestLogger(log))
	router.Use(jobapi.CORS())

	// 10. Register routes
	jobapi.SetupRoutes(router.Group("/api"), jobStore, cfg.Auth.SessionToken, log)

	wsHandler := dashboard.NewHandler(hub, cfg.Auth, log)
	router.GET("/ws", wsHandler.HandleConnection)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"service": "agentboard",
			"version": version,
			"gateway": executorLink.State().String(),
			"clients": hub.ClientCount(),
		})
	})

	// 11. Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	// 12. Start server in goroutine
	go func() {
		log.Info("HTTP server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start HTTP server", zap.Error(err))
		}
	}()

	// 13. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down agentboard...")

	// 14. Graceful shutdown
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	bridge.Stop()
	exec.Stop()

	log.Info("agentboard stopped")
}
