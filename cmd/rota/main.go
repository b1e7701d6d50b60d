// SPDX-License-Identifier: Apache-2.0

// Command rota runs the on-call scheduling and escalation service.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotaops/rota/internal/app"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	ctx := context.Background()

	a, err := app.NewApp(ctx, *configPath)
	if err != nil {
		slog.Error("failed to initialize", "err", err)
		os.Exit(1)
	}

	if err := a.Start(ctx); err != nil {
		slog.Error("failed to start", "err", err)
		os.Exit(1)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sig
		slog.Info("shutdown signal received", "signal", s.String())
		a.SignalShutdown()
	}()

	a.WaitForShutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		os.Exit(1)
	}
}
