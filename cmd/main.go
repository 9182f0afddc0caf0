package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/satriahrh/djsync/server/adapters"
	mongoadapter "github.com/satriahrh/djsync/server/adapters/mongo"
	"github.com/satriahrh/djsync/server/domain/repositories"
	"github.com/satriahrh/djsync/server/internal/api"
	"github.com/satriahrh/djsync/server/internal/auth"
	"github.com/satriahrh/djsync/server/internal/config"
	"github.com/satriahrh/djsync/server/internal/websocket"
)

func main() {
	// Initialize logger
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	cfg := config.LoadServer()

	// Create Echo instance
	e := echo.New()

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize room state storage
	var stateRepo repositories.RoomStateRepository
	switch cfg.Store {
	case config.StoreMongo:
		client, err := mongoadapter.NewClient(ctx, cfg.MongoURI, cfg.MongoDatabase, logger)
		if err != nil {
			logger.Fatal("Failed to connect to MongoDB", zap.Error(err))
		}
		defer func() {
			closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer closeCancel()
			client.Close(closeCtx)
		}()
		stateRepo = mongoadapter.NewRoomStateRepository(client.Database)
	default:
		stateRepo = adapters.NewMemoryRoomStateRepository()
	}
	logger.Info("Room state store selected", zap.String("store", cfg.Store))

	// Initialize WebSocket hub
	hub := websocket.NewHub(stateRepo, websocket.HubOptions{LeaseTTL: cfg.LeaseTTL}, logger)
	go hub.Run(ctx)

	cleanup := websocket.NewRoomCleanupService(stateRepo, nil, cfg.RoomIdleTTL, cfg.CleanupInterval, logger)
	cleanup.Start()
	defer cleanup.Stop()

	// Initialize API routes
	issuer := auth.NewTokenIssuer(cfg.JWTSecret, cfg.TokenTTL)
	api.InitRoutes(e, hub, issuer, logger)

	// Graceful shutdown
	go func() {
		if err := e.Start(":" + cfg.Port); err != nil && err != http.ErrServerClosed {
			logger.Fatal("shutting down the server", zap.Error(err))
		}
	}()

	logger.Info("Relay started", zap.String("port", cfg.Port))

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("Relay is shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Relay exited")
}
