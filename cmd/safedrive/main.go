// Package main runs SafeDrive: it consumes detector frames from the event
// bus, tracks road objects with risk states and serves them over HTTP.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/Spatial-NVR/SafeDrive/internal/api"
	"github.com/Spatial-NVR/SafeDrive/internal/config"
	"github.com/Spatial-NVR/SafeDrive/internal/core"
	"github.com/Spatial-NVR/SafeDrive/internal/database"
	"github.com/Spatial-NVR/SafeDrive/internal/events"
	"github.com/Spatial-NVR/SafeDrive/internal/logging"
	"github.com/Spatial-NVR/SafeDrive/internal/metrics"
	"github.com/Spatial-NVR/SafeDrive/internal/pipeline"
	"github.com/Spatial-NVR/SafeDrive/internal/tracking"
)

const version = "0.1.0"

func main() {
	if err := run(); err != nil {
		slog.Error("SafeDrive exited with error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger, level, logBuffer := logging.Setup(logging.Options{
		Level:      cfg.System.Logging.Level,
		Format:     cfg.System.Logging.Format,
		BufferSize: cfg.System.Logging.BufferSize,
	}, os.Stdout)
	slog.SetDefault(logger)

	slog.Info("Starting SafeDrive",
		"version", version,
		"name", cfg.System.Name,
		"config_path", cfg.Path(),
		"data_path", cfg.System.DataPath)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := os.MkdirAll(cfg.System.DataPath, 0755); err != nil {
		return err
	}

	db, err := database.Open(&database.Config{Path: cfg.System.Database.Path, MaxOpenConns: 4})
	if err != nil {
		return err
	}
	defer db.Close()

	if err := database.NewMigrator(db).Run(ctx); err != nil {
		return err
	}
	eventService := events.NewService(db)

	bus, err := core.NewEventBus(core.EventBusConfig{
		Embedded: cfg.EventBus.IsEmbedded(),
		URL:      cfg.EventBus.URL,
		Host:     cfg.EventBus.Host,
		Port:     cfg.EventBus.Port,
	}, logger)
	if err != nil {
		return err
	}
	defer bus.Stop()

	m := metrics.New()
	hub := api.NewHub(nil)
	go hub.Run(ctx)

	trackingCfg, thresholds, reidCfg, ingestCfg := cfg.Snapshot()
	p := pipeline.New(pipeline.Options{
		Tracking: trackingCfg,
		Risk:     thresholds,
		ReID:     reidCfg,
		Recorder: m,
		Logger:   logger,
	})
	defer p.Close()

	// Observers run in attachment order on the frame goroutine
	p.Attach(tracking.NewLogObserver(logger))
	p.Attach(events.NewRecorder(eventService))
	p.Attach(core.NewEventPublisher(bus))
	p.Attach(api.NewHubObserver(hub))
	p.Attach(m)

	ingestor := pipeline.NewIngestor(bus, p, pipeline.IngestOptions{
		Subject:    ingestCfg.Subject,
		Queue:      ingestCfg.Queue,
		Classes:    ingestCfg.Classes,
		DefaultFPS: ingestCfg.FPS,
		Errors:     m,
		Logger:     logger,
	})
	if err := ingestor.Start(); err != nil {
		return err
	}
	defer ingestor.Stop()

	if _, err := api.ForwardSnapshots(bus, hub); err != nil {
		return err
	}

	cfg.OnChange(func(c *config.Config) {
		tc, th, rc, ic := c.Snapshot()
		p.Apply(tc, th, rc)
		ingestor.SetClasses(ic.Classes, ic.FPS)
		if l, err := logging.ParseLevel(c.System.Logging.Level); err == nil {
			level.Set(l)
		}
	})
	if cfg.Path() != "" {
		if err := cfg.Watch(); err != nil {
			slog.Warn("Config hot reload disabled", "error", err)
		} else {
			defer cfg.StopWatching()
		}
	}

	go pruneEvents(ctx, eventService, cfg.System.Database.RetentionHours)

	router := api.NewRouter(api.Options{
		Version:   version,
		Snapshots: p,
		Events:    eventService,
		Logs:      logBuffer,
		Metrics:   m.Handler(),
		Hub:       hub,
		Checks: map[string]api.HealthCheck{
			"database": db.Health,
			"eventbus": bus.HealthCheck,
		},
		AllowedOrigins: cfg.API.AllowedOrigins,
	})

	server := &http.Server{
		Addr:              cfg.API.Addr(),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("Server starting", "address", server.Addr, "nats", bus.ClientURL())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		slog.Info("Shutting down...")
	case err := <-serverErr:
		return err
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server shutdown error", "error", err)
	}

	slog.Info("SafeDrive stopped")
	return nil
}

// loadConfig reads CONFIG_PATH, then DATA_PATH/config.yaml, falling back to
// defaults when no file exists
func loadConfig() (*config.Config, error) {
	dataPath := getEnv("DATA_PATH", "./data")
	path := getEnv("CONFIG_PATH", filepath.Join(dataPath, "config.yaml"))

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		cfg := config.Default()
		if os.Getenv("DATA_PATH") != "" {
			cfg.System.DataPath = dataPath
			cfg.System.Database.Path = filepath.Join(dataPath, "safedrive.db")
		}
		return cfg, nil
	}
	return config.Load(path)
}

func pruneEvents(ctx context.Context, svc *events.Service, retentionHours int) {
	if retentionHours <= 0 {
		return
	}
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		cutoff := time.Now().Add(-time.Duration(retentionHours) * time.Hour)
		if _, err := svc.Prune(ctx, cutoff); err != nil && ctx.Err() == nil {
			slog.Error("Failed to prune events", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
