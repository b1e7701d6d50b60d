// SPDX-License-Identifier: Apache-2.0

// Package app wires the engine together: config, store, telemetry,
// notification dispatch, the escalation engine, and the sweep loop.
package app

import (
	"context"
	"log/slog"

	"github.com/rotaops/rota/internal/config"
	"github.com/rotaops/rota/internal/escalation"
	"github.com/rotaops/rota/internal/jobs"
	"github.com/rotaops/rota/internal/notify"
	"github.com/rotaops/rota/internal/schedule"
	"github.com/rotaops/rota/internal/store"
	"github.com/rotaops/rota/internal/telemetry"
)

// App encapsulates all application dependencies
type App struct {
	Config    *config.AppConfig
	Store     *store.SQLiteStore
	Logger    *slog.Logger
	Engine    *escalation.Engine
	Processor *escalation.Processor
	Scheduler *jobs.TimerScheduler

	server         *Server
	stopSweep      context.CancelFunc
	shutdownSignal chan struct{}
}

// NewApp creates and initializes a new application instance
func NewApp(ctx context.Context, configPath string) (*App, error) {
	cfg, err := config.LoadConfigFromFile(configPath)
	if err != nil {
		return nil, err
	}

	app := &App{
		Config:         cfg,
		shutdownSignal: make(chan struct{}),
	}

	if err := telemetry.InitTelemetry(ctx); err != nil {
		return nil, err
	}
	app.Logger = telemetry.RootSlogLogger()

	app.Store, err = store.Open(ctx, cfg.DBPath)
	if err != nil {
		return nil, err
	}

	channels, err := notify.ResolveChannels(cfg.Channels)
	if err != nil {
		return nil, err
	}
	dispatcher := notify.NewDispatcher(channels, app.Store, app.Logger,
		notify.WithSendTimeout(cfg.NotifySendTimeout()))

	resolver := schedule.NewResolver(app.Store, app.Logger)

	// Timer callbacks are best effort; the sweep delivers anything they
	// drop. The closure reads app.Engine so construction order is free.
	app.Scheduler = jobs.NewTimerScheduler(func(incidentID int64, step int) {
		app.fireCallback(incidentID, step)
	})

	app.Engine = escalation.NewEngine(app.Store, resolver, dispatcher, app.Scheduler,
		cfg.LockTimeout(), app.Logger)
	app.Processor = escalation.NewProcessor(app.Store, app.Engine,
		cfg.LockTimeout(), cfg.EscalationBatchSize, cfg.EscalationConcurrency,
		cfg.SweepInterval(), app.Logger)

	app.server = NewServer(cfg.Port, app)
	return app, nil
}

func (a *App) fireCallback(incidentID int64, step int) {
	if a.Engine == nil {
		return
	}
	res, err := a.Engine.Execute(context.Background(), incidentID, &step)
	if err != nil {
		a.Logger.Warn("escalation callback failed, deferring to sweep",
			"incident", incidentID, "step", step, "err", err)
		return
	}
	if res.Escalated {
		a.Logger.Info("escalation callback executed",
			"incident", incidentID, "step", res.StepIndex, "target", res.TargetName)
	}
}

// Start begins the sweep loop and the ops HTTP server (non-blocking).
func (a *App) Start(ctx context.Context) error {
	sweepCtx, cancel := context.WithCancel(ctx)
	a.stopSweep = cancel
	go a.Processor.Run(sweepCtx)

	go func() {
		if err := a.server.Start(); err != nil {
			a.Logger.Error("Server error", "err", err)
		}
	}()

	a.Logger.Info("rota started", "addr", a.Config.Port)
	return nil
}

// Shutdown gracefully stops all application services
func (a *App) Shutdown(ctx context.Context) error {
	if a.server != nil {
		if err := a.server.Shutdown(ctx); err != nil {
			a.Logger.Error("Error during server shutdown", "err", err)
		}
	}
	if a.stopSweep != nil {
		a.stopSweep()
	}
	if a.Scheduler != nil {
		a.Scheduler.Stop()
	}
	if err := telemetry.ShutdownTelemetry(ctx); err != nil {
		a.Logger.Error("Error during telemetry shutdown", "err", err)
	}
	if a.Store != nil {
		if err := a.Store.Close(); err != nil {
			a.Logger.Error("Error closing database", "err", err)
		}
	}
	return nil
}

// WaitForShutdown blocks until the application is signaled to shut down
func (a *App) WaitForShutdown() {
	<-a.shutdownSignal
}

// SignalShutdown triggers the application to begin shutting down
func (a *App) SignalShutdown() {
	close(a.shutdownSignal)
}
