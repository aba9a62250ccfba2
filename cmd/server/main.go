package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	apihttp "torrentvault/internal/api/http"
	"torrentvault/internal/app"
	"torrentvault/internal/domain"
	"torrentvault/internal/metrics"
	mongorepo "torrentvault/internal/repository/mongo"
	"torrentvault/internal/services/torrent/engine/anacrolix"
	"torrentvault/internal/telemetry"
	"torrentvault/internal/usecase"

	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.opentelemetry.io/contrib/instrumentation/go.mongodb.org/mongo-driver/mongo/otelmongo"
)

const broadcastInterval = 15 * time.Second

func main() {
	cfg := app.LoadConfig()
	logger := newLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)
	metrics.Register(prometheus.DefaultRegisterer)

	shutdownTracer, err := telemetry.Init(context.Background(), "torrentvault")
	if err != nil {
		logger.Warn("otel init failed", slog.String("error", err.Error()))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	logger.Info("configuration loaded",
		slog.String("service", "torrentvault"),
		slog.String("httpAddr", cfg.HTTPAddr),
		slog.String("logLevel", cfg.LogLevel),
		slog.String("logFormat", cfg.LogFormat),
		slog.String("dataDir", cfg.TorrentDataDir),
		slog.Int64("quotaCeilingBytes", cfg.QuotaCeilingBytes),
		slog.Int64("minDiskFreeBytes", cfg.MinDiskFreeBytes),
	)

	if err := os.MkdirAll(cfg.TorrentDataDir, 0o755); err != nil {
		logger.Error("data dir create failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ctx, cancel := context.WithTimeout(rootCtx, 10*time.Second)
	defer cancel()

	mongoClient, err := mongorepo.Connect(ctx, cfg.MongoURI, options.Client().SetMonitor(otelmongo.NewMonitor()))
	if err != nil {
		logger.Error("mongo connect failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if err := mongoClient.Ping(ctx, readpref.Primary()); err != nil {
		logger.Error("mongo ping failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	repo := mongorepo.NewRepository(mongoClient, cfg.MongoDatabase, cfg.MongoTorrentsCollection, cfg.MongoFilesCollection, logger)
	if err := repo.EnsureIndexes(ctx); err != nil {
		logger.Warn("mongo ensure indexes failed", slog.String("error", err.Error()))
	}

	registry := usecase.NewRegistry()
	quota := &usecase.QuotaEnforcer{
		DataDir:      cfg.TorrentDataDir,
		Ceiling:      cfg.QuotaCeilingBytes,
		Interval:     cfg.QuotaInterval,
		InitialDelay: cfg.QuotaInitialDelay,
		Logger:       logger,
	}
	sampler := &usecase.ProgressSampler{
		Registry: registry,
		Repo:     repo,
		Logger:   logger,
		Interval: cfg.SamplerInterval,
	}
	tracker := &usecase.FileProgressTracker{Registry: registry, Repo: repo, Logger: logger, Interval: cfg.FileTrackerInterval}

	// Events only flow once a session exists, which needs lifecycle.
	var lifecycle *usecase.Lifecycle
	engine, err := anacrolix.New(anacrolix.Config{
		DataDir:        cfg.TorrentDataDir,
		NoPeersTimeout: cfg.NoPeersTimeout,
		Logger:         logger,
		OnEvent: func(ev domain.EngineEvent) {
			if lifecycle != nil {
				lifecycle.HandleEvent(ev)
			}
		},
	})
	if err != nil {
		logger.Error("torrent engine init failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	lifecycle = &usecase.Lifecycle{
		Engine:     engine,
		Repo:       repo,
		Registry:   registry,
		Active:     quota,
		Sampler:    sampler,
		Files:      tracker,
		Logger:     logger,
		DataDir:    cfg.TorrentDataDir,
		AddTimeout: cfg.AddTimeout,
	}

	handler := apihttp.NewServer(lifecycle,
		apihttp.WithDiskReporter(quota),
		apihttp.WithAllowedOrigins(cfg.CORSAllowedOrigins),
		apihttp.WithLogger(logger),
	)

	group, groupCtx := errgroup.WithContext(rootCtx)

	// Restore in the background so the HTTP server starts immediately.
	group.Go(func() error {
		restored, err := lifecycle.RestoreAll(groupCtx)
		if err != nil {
			logger.Warn("restore failed", slog.String("error", err.Error()))
			return nil
		}
		logger.Info("restore finished", slog.Int("restored", restored))
		return nil
	})
	group.Go(func() error { sampler.Run(groupCtx); return nil })
	group.Go(func() error { tracker.Run(groupCtx); return nil })
	group.Go(func() error { quota.Run(groupCtx); return nil })
	group.Go(func() error {
		usecase.CleanupSweeper{
			Repo:          repo,
			Logger:        logger,
			Interval:      cfg.CleanupInterval,
			RetentionDays: cfg.CleanupRetentionDays,
		}.Run(groupCtx)
		return nil
	})
	group.Go(func() error {
		usecase.DiskPressure{
			Registry:     registry,
			Repo:         repo,
			Logger:       logger,
			DataDir:      cfg.TorrentDataDir,
			MinFreeBytes: cfg.MinDiskFreeBytes,
			ResumeBytes:  cfg.ResumeDiskFreeBytes,
			Interval:     cfg.DiskPressureInterval,
		}.Run(groupCtx)
		return nil
	})
	group.Go(func() error { handler.RunBroadcast(groupCtx, broadcastInterval); return nil })

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      cfg.AddTimeout + 15*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	logger.Info("server started", slog.String("addr", cfg.HTTPAddr))

	select {
	case <-rootCtx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", slog.String("error", err.Error()))
		}
		stop()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	handler.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown error", slog.String("error", err.Error()))
	}
	_ = group.Wait()
	if err := engine.Close(); err != nil {
		logger.Warn("engine close error", slog.String("error", err.Error()))
	}
	if err := mongoClient.Disconnect(shutdownCtx); err != nil {
		logger.Warn("mongo disconnect error", slog.String("error", err.Error()))
	}

	logger.Info("server stopped")
}

func newLogger(levelRaw, formatRaw string) *slog.Logger {
	level := parseLogLevel(levelRaw)
	options := &slog.HandlerOptions{Level: level}
	format := strings.ToLower(strings.TrimSpace(formatRaw))
	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, options))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, options))
}

func parseLogLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
