package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.opentelemetry.io/contrib/instrumentation/go.mongodb.org/mongo-driver/mongo/otelmongo"
	"golang.org/x/sync/errgroup"

	apihttp "justserve/internal/api/http"
	"justserve/internal/app"
	"justserve/internal/domain"
	"justserve/internal/domain/ports"
	"justserve/internal/metrics"
	boltrepo "justserve/internal/repository/bolt"
	mongorepo "justserve/internal/repository/mongo"
	redisrepo "justserve/internal/repository/redis"
	"justserve/internal/services/backend/rpc"
	"justserve/internal/services/discovery"
	"justserve/internal/services/events"
	"justserve/internal/services/logsink"
	"justserve/internal/services/session"
	"justserve/internal/storage/memory"
	"justserve/internal/telemetry"
	"justserve/internal/usecase"
)

func main() {
	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Error("config load failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger := newLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)
	metrics.Register(prometheus.DefaultRegisterer)

	shutdownTracer, err := telemetry.Init(context.Background(), "justserve")
	if err != nil {
		logger.Warn("otel init failed", slog.String("error", err.Error()))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	logger.Info("configuration loaded",
		slog.String("service", "justserve"),
		slog.String("httpAddr", cfg.HTTPAddr),
		slog.String("backendURL", cfg.BackendURL),
		slog.String("logLevel", cfg.LogLevel),
		slog.String("logFormat", cfg.LogFormat),
		slog.String("preferencesBackend", cfg.PreferencesBackend),
		slog.Int("maxPortRetries", cfg.MaxPortRetries),
		slog.Duration("discoveryTimeout", cfg.DiscoveryTimeout),
	)

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	openCtx, cancelOpen := context.WithTimeout(rootCtx, 10*time.Second)
	repo, closeRepo, err := openPreferences(openCtx, cfg, logger)
	if err != nil {
		cancelOpen()
		logger.Error("preferences store open failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer closeRepo()

	logs := logsink.New(logsink.WithLogger(logger))
	prefs := app.NewPreferencesManager(repo, logger)
	loaded, err := prefs.Load(openCtx)
	cancelOpen()
	if err != nil {
		logger.Warn("preferences load failed, using defaults", slog.String("error", err.Error()))
		logs.Append(domain.LogWarning, "Settings could not be read, using defaults")
	}
	switch loaded.Outcome {
	case app.LoadedRecovered:
		logs.Append(domain.LogInfo, "Saved settings were unreadable and have been reset")
	case app.LoadedMigrated:
		logs.Append(domain.LogInfo, fmt.Sprintf("Settings migrated from version %d", loaded.FromVersion))
	}

	backend := rpc.NewClient(rpc.Config{BaseURL: cfg.BackendURL, Logger: logger})
	source := rpc.NewEventSource(cfg.BackendURL, logger)
	defer source.Close()

	discoverer := discovery.NewClient(backend, logs, cfg.DiscoveryTimeout, logger)
	controller := session.NewController(backend, prefs, logs,
		session.WithLogger(logger),
		session.WithRetryPolicy(session.RetryPolicy{
			MaxRetries:   cfg.MaxPortRetries,
			InitialDelay: cfg.RetryDelay,
			MaxDelay:     cfg.RetryMaxDelay,
			Multiplier:   cfg.RetryMultiplier,
		}),
		session.WithCallTimeout(cfg.BackendCallTimeout),
		session.WithDiscovery(discoverer),
	)
	bridge := events.NewBridge(source, controller, logs, logger)

	updateCache := &usecase.UpdateCache{}
	checkUpdate := usecase.CheckUpdate{Backend: backend, Logs: logs, Cache: updateCache, Logger: logger}
	installUpdate := usecase.InstallUpdate{Backend: backend, Logs: logs}

	handler := apihttp.NewServer(controller,
		apihttp.WithLogger(logger),
		apihttp.WithLogs(logs),
		apihttp.WithSettings(prefs),
		apihttp.WithUpdates(checkUpdate, installUpdate, updateCache),
		apihttp.WithAllowedOrigins(cfg.CORSAllowedOrigins),
		apihttp.WithRateLimit(float64(cfg.RateLimitRPS), cfg.RateLimitBurst),
	)
	controller.OnChange(handler.BroadcastState)
	logs.OnChange(handler.BroadcastLogs)
	prefs.OnChange(handler.BroadcastSettings)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      0,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(rootCtx)
	g.Go(func() error {
		return bridge.Run(gctx)
	})
	g.Go(func() error {
		logger.Info("server started", slog.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		handler.Close()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown error", slog.String("error", err.Error()))
		}
		return nil
	})
	g.Go(func() error {
		checkUpdate.Execute(gctx)
		if _, attempted, err := (usecase.AutoStart{Sessions: controller, Prefs: prefs, Logger: logger}).Execute(gctx); attempted && err != nil {
			logs.Append(domain.LogWarning, "Auto start failed: "+err.Error())
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("server error", slog.String("error", err.Error()))
	}

	stopCtx, cancelStop := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelStop()
	if err := controller.StopP2P(stopCtx); err != nil {
		logger.Warn("p2p stop error", slog.String("error", err.Error()))
	}
	if err := controller.StopSession(stopCtx); err != nil {
		logger.Warn("session stop error", slog.String("error", err.Error()))
	}

	logger.Info("server stopped")
}

// openPreferences selects the persistence backend for the Config Store.
func openPreferences(ctx context.Context, cfg app.Config, logger *slog.Logger) (ports.PreferencesRepository, func(), error) {
	switch cfg.PreferencesBackend {
	case "memory":
		return memory.NewPreferencesRepository(), func() {}, nil
	case "mongo":
		client, err := mongorepo.Connect(ctx, cfg.MongoURI, options.Client().SetMonitor(otelmongo.NewMonitor()))
		if err != nil {
			return nil, nil, fmt.Errorf("mongo connect: %w", err)
		}
		if err := client.Ping(ctx, readpref.Primary()); err != nil {
			_ = client.Disconnect(context.Background())
			return nil, nil, fmt.Errorf("mongo ping: %w", err)
		}
		return mongorepo.NewPreferencesRepository(client, cfg.MongoDatabase), func() {
			if err := client.Disconnect(context.Background()); err != nil {
				logger.Warn("mongo disconnect error", slog.String("error", err.Error()))
			}
		}, nil
	case "redis":
		client, err := redisrepo.NewClient(cfg.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("redis client: %w", err)
		}
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("redis ping: %w", err)
		}
		return redisrepo.NewPreferencesRepository(client, cfg.RedisKey), func() {
			if err := client.Close(); err != nil {
				logger.Warn("redis close error", slog.String("error", err.Error()))
			}
		}, nil
	case "bolt", "":
		repo, err := boltrepo.Open(cfg.PreferencesPath)
		if err != nil {
			return nil, nil, fmt.Errorf("bolt open: %w", err)
		}
		return repo, func() {
			if err := repo.Close(); err != nil {
				logger.Warn("bolt close error", slog.String("error", err.Error()))
			}
		}, nil
	default:
		return nil, nil, fmt.Errorf("unknown preferences backend %q", cfg.PreferencesBackend)
	}
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
