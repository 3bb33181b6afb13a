// Package main is the entry point for the audit API server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/onnwee/auditchain/internal/config"
	"github.com/onnwee/auditchain/internal/middleware"
	"github.com/onnwee/auditchain/internal/tracing"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	help := flag.Bool("help", false, "display help message")
	configPath := flag.String("config", "", "path to an optional YAML config file")
	flag.Parse()

	if *help {
		fmt.Println("Auditchain API Server")
		fmt.Println()
		fmt.Println("Usage: api [options]")
		fmt.Println()
		fmt.Println("Options:")
		flag.PrintDefaults()
		os.Exit(0)
	}

	cfg, errs := config.Load(*configPath)
	if len(errs) > 0 {
		for _, err := range errs {
			fmt.Fprintln(os.Stderr, "config:", err)
		}
		os.Exit(1)
	}

	logger := middleware.NewLogger(cfg.Env)
	slog.SetDefault(logger)
	logger.Info("configuration loaded", "config", cfg.LogSummary())

	provider, err := tracing.NewProvider(tracing.Config{
		ServiceName:    serviceName,
		ServiceVersion: version,
		Enabled:        cfg.TracingEnabled,
		Environment:    cfg.Env,
		ExporterType:   cfg.TracingExporter,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SamplingRate:   cfg.TracingSampleRate,
		InsecureMode:   cfg.TracingInsecure,
	})
	if err != nil {
		logger.Error("failed to initialize tracing", "error", err)
		os.Exit(1)
	}

	startCtx, cancelStart := context.WithTimeout(context.Background(), 30*time.Second)
	a, err := newApp(startCtx, cfg, logger)
	cancelStart()
	if err != nil {
		logger.Error("failed to initialize server", "error", err)
		os.Exit(1)
	}

	jobCtx, stopJob := context.WithCancel(context.Background())
	defer stopJob()
	if a.job != nil {
		if err := a.job.Start(jobCtx); err != nil {
			logger.Error("failed to start chain audit job", "error", err)
			os.Exit(1)
		}
		logger.Info("chain audit job started", "interval", cfg.CheckpointInterval)
	}

	server := &http.Server{
		Addr:        ":" + strconv.Itoa(cfg.Port),
		Handler:     a.handler,
		ReadTimeout: 15 * time.Second,
		// Exports and live tails hold the connection open.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("starting server", "port", cfg.Port, "version", version)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	exitCode := 0
	if err := server.Shutdown(ctx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
		exitCode = 1
	}
	stopJob()
	if err := a.close(); err != nil {
		logger.Error("failed to release resources", "error", err)
		exitCode = 1
	}
	if err := provider.Shutdown(ctx); err != nil {
		logger.Error("failed to flush traces", "error", err)
		exitCode = 1
	}

	logger.Info("server stopped")
	os.Exit(exitCode)
}
