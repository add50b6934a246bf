package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"example/debugapi"
	"example/extensions"

	"github.com/GoCodeAlone/exthost"
	"github.com/GoCodeAlone/exthost/profiling"
)

func main() {
	logger := exthost.NewSlogLogger(slog.New(slog.NewTextHandler(
		os.Stdout,
		&slog.HandlerOptions{},
	)))

	rt := exthost.NewInProcessRuntime(logger, 4)
	descriptors := extensions.Wire(rt, logger)

	cfg := exthost.DefaultHostConfig()
	cfg.Name = "demo-host"
	cfg.ActivateOnStartup = true
	cfg.HistoryPath = "exthost_history.db"

	svc, err := exthost.New(
		exthost.WithLogger(logger),
		exthost.WithRuntime(rt),
		exthost.WithConfig(cfg),
		exthost.WithExtensions(descriptors...),
		exthost.WithProfileSource(profiling.NewPprofSource()),
		exthost.WithObserver(func(ctx context.Context, event exthost.CloudEvent) error {
			logger.Debug("Host event", "type", event.Type())
			return nil
		}),
	)
	if err != nil {
		logger.Error("Failed to build host", "error", err)
		os.Exit(1)
	}

	if err := svc.Start(context.Background()); err != nil {
		logger.Error("Failed to start host", "error", err)
		os.Exit(1)
	}

	server := &http.Server{
		Addr:              ":8080",
		Handler:           debugapi.New(svc),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("Debug API listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Debug API failed", "error", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Debug API shutdown failed", "error", err)
	}
	if err := svc.Close(); err != nil {
		logger.Error("Host shutdown failed", "error", err)
	}
}
