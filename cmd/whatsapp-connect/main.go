// Package main is the entry point for the WhatsApp connection service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/barberdesk/whatsapp-connect/internal/channel"
	"github.com/barberdesk/whatsapp-connect/internal/config"
	"github.com/barberdesk/whatsapp-connect/internal/controller"
	"github.com/barberdesk/whatsapp-connect/internal/health"
	"github.com/barberdesk/whatsapp-connect/internal/manager"
	"github.com/barberdesk/whatsapp-connect/internal/store"
	"github.com/barberdesk/whatsapp-connect/pkg/api"
)

var (
	configPath = flag.String("config", "config.yaml", "Path to config file")
	logLevel   = flag.String("log-level", "", "Log level (debug, info, warn, error)")
)

func main() {
	flag.Parse()

	// Load configuration
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Override log level from flag if provided
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid config: %v\n", err)
		os.Exit(1)
	}

	// Setup logging
	var level slog.Level
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var logHandler slog.Handler
	if cfg.LogFormat == "text" {
		logHandler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		logHandler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}
	logger := slog.New(logHandler)
	slog.SetDefault(logger)

	logger.Info("WhatsApp connection service starting",
		"config", *configPath,
		"log_level", cfg.LogLevel,
	)

	// Ensure data directory exists (needed when using the default
	// ~/.whatsapp-connect/ path)
	if err := os.MkdirAll(filepath.Dir(cfg.StorePath), 0700); err != nil {
		logger.Error("Failed to create data directory", "error", err)
		os.Exit(1)
	}

	// Initialize store
	storeDB, err := store.NewSQLiteStore(cfg.StorePath)
	if err != nil {
		logger.Error("Failed to initialize store", "error", err)
		os.Exit(1)
	}
	defer storeDB.Close()

	// Initialize health monitor
	monitor := health.NewMonitor()

	// Each tenant gets its own websocket to the gateway.
	factory := channel.Factory(func(tenantID string) channel.Channel {
		return channel.NewWebSocket(cfg.TenantEndpoint(tenantID), channel.Options{
			BaseDelay:  cfg.ReconnectBaseDelay,
			MaxDelay:   cfg.ReconnectMaxDelay,
			MaxRetries: cfg.ReconnectMaxRetries,
			Logger:     logger,
		})
	})

	tenants := manager.New(factory, storeDB.Status, logger,
		controller.WithPollInterval(cfg.PollInterval),
		controller.WithErrorClearAfter(cfg.ErrorClearAfter),
		controller.WithLogger(logger),
		controller.WithMonitor(monitor),
	)
	defer tenants.CloseAll()

	handler := api.NewHandler(tenants, monitor, logger)

	server := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      handler.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", cfg.ListenAddr)
		errChan <- server.ListenAndServe()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info("Received shutdown signal", "signal", sig)
	case err := <-errChan:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server error", "error", err)
		}
	}

	// Graceful shutdown: stop accepting requests, then tear down tenants.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}

	logger.Info("WhatsApp connection service stopped")
}
