// fakeflagd is a development stand-in for the flag delivery service: it
// serves a dataset file over the polling and streaming endpoints, mutates it
// periodically so clients see live patches, and accepts event batches.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "config file path")
	flag.Parse()

	logger, err := zap.NewDevelopment()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		return 1
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		logger.Error("failed to load config", zap.Error(err))
		return 1
	}

	logger.Info("configuration loaded",
		zap.String("port", cfg.Port),
		zap.String("dataset", cfg.DatasetPath),
		zap.Duration("patchInterval", cfg.PatchInterval()),
		zap.Bool("rejectAll", cfg.RejectAll),
		zap.Int("eventsRejectMod", cfg.EventsRejectMod),
	)

	data, err := loadDataset(cfg.DatasetPath)
	if err != nil {
		logger.Error("failed to load dataset", zap.Error(err))
		return 1
	}
	logger.Info("dataset loaded",
		zap.Int("flags", len(data.Flags)),
		zap.Int("segments", len(data.Segments)),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc := newService(cfg, data, ctx.Done(), logger)

	go svc.runPatcher(ctx)
	go svc.heartbeatLoop(ctx)

	httpServer := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     svc.router(),
		ReadTimeout: 30 * time.Second,
		// No write timeout: the stream endpoint holds its response open.
	}

	go func() {
		logger.Info("starting server", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
		return 1
	}

	logger.Info("server stopped")
	return 0
}
