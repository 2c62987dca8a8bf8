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

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.opentelemetry.io/contrib/instrumentation/go.mongodb.org/mongo-driver/mongo/otelmongo"

	apihttp "streamsource/internal/api/http"
	"streamsource/internal/app"
	"streamsource/internal/domain"
	"streamsource/internal/health"
	"streamsource/internal/metrics"
	mongorepo "streamsource/internal/repository/mongo"
	"streamsource/internal/selection"
	"streamsource/internal/settings"
	"streamsource/internal/telemetry"
	"streamsource/internal/upstream"
)

func main() {
	_ = godotenv.Load()

	cfg := app.LoadConfig()
	logger := newLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)
	metrics.Register(prometheus.DefaultRegisterer)

	shutdownTracer, err := telemetry.Init(context.Background(), "streamsource")
	if err != nil {
		logger.Warn("otel init failed", slog.String("error", err.Error()))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	logger.Info("configuration loaded",
		slog.String("service", "streamsource"),
		slog.String("httpAddr", cfg.HTTPAddr),
		slog.String("logLevel", cfg.LogLevel),
		slog.String("logFormat", cfg.LogFormat),
		slog.String("upstreamBaseURL", cfg.UpstreamBaseURL),
		slog.Bool("hasUpstreamKey", strings.TrimSpace(cfg.UpstreamAPIKey) != ""),
		slog.Duration("resolveTimeout", cfg.ResolveTimeout),
		slog.Duration("candidateCacheTTL", cfg.CandidateCacheTTL),
		slog.Duration("urlCacheTTL", cfg.URLCacheTTL),
		slog.Bool("hasRedis", strings.TrimSpace(cfg.RedisURL) != ""),
		slog.Bool("hasMongo", strings.TrimSpace(cfg.MongoURI) != ""),
	)

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	prefStore, historyRepo := buildMongoRepositories(rootCtx, cfg, logger)

	initialPref := domain.PlaybackPreference{
		AudioLanguage: settings.NormalizeLanguage(cfg.DefaultAudioLanguage),
		Quality:       domain.QualityAuto,
	}
	var store settings.Store
	if prefStore != nil {
		store = prefStore
	}
	prefs := settings.NewManager(store, initialPref, logger)
	if err := prefs.Load(rootCtx); err != nil {
		logger.Warn("preference load failed", slog.String("error", err.Error()))
	}

	upstreamClient := upstream.NewClient(upstream.Config{
		BaseURL:          cfg.UpstreamBaseURL,
		APIKey:           cfg.UpstreamAPIKey,
		UserAgent:        cfg.UserAgent,
		ResolvePerSecond: cfg.ResolveRatePerSecond,
		ResolveBurst:     cfg.ResolveRateBurst,
		Logger:           logger,
	})

	repo := selection.NewRepository(upstreamClient,
		selection.WithRepositoryTTL(cfg.CandidateCacheTTL),
		selection.WithLanguageFallback(settings.NormalizeLanguage(cfg.LanguageFallback)),
		selection.WithRepositoryLogger(logger),
	)

	urlCacheOpts := []selection.URLCacheOption{
		selection.WithURLCacheTTL(cfg.URLCacheTTL),
		selection.WithURLCacheLogger(logger),
	}
	if shared := buildSharedURLCache(rootCtx, cfg, logger); shared != nil {
		urlCacheOpts = append(urlCacheOpts, selection.WithSharedURLCache(shared))
	}
	urls := selection.NewURLCache(urlCacheOpts...)

	go urls.RunSweeper(rootCtx, cfg.SweepInterval)
	go repo.RunSweeper(rootCtx, cfg.SweepInterval)

	serverOpts := []apihttp.ServerOption{
		apihttp.WithCandidates(repo),
		apihttp.WithPreferences(prefs),
		apihttp.WithLogger(logger),
	}
	if historyRepo != nil {
		serverOpts = append(serverOpts, apihttp.WithHistory(historyRepo))
	}
	server := apihttp.NewServer(serverOpts...)

	pipeline := selection.NewPipeline(repo, urls, upstreamClient, prefs,
		selection.WithPrimaryTimeout(cfg.ResolveTimeout),
		selection.WithBackgroundTimeout(cfg.BackgroundResolveTimeout),
		selection.WithMaxBackgroundResolves(cfg.MaxBackgroundResolves),
		selection.WithPipelineLogger(logger),
		selection.WithBroadcaster(server),
	)
	defer pipeline.Close()
	server.SetPipeline(pipeline)

	monitor := health.NewMonitor(pipeline, health.WithMonitorLogger(logger))
	server.SetHealthMonitor(monitor)

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// The WebSocket state stream stays open indefinitely; write deadlines
		// are enforced per message inside the hub.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()

	logger.Info("stream source service started", slog.String("addr", cfg.HTTPAddr))

	select {
	case <-rootCtx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", slog.String("error", err.Error()))
	}
	server.Close()
	logger.Info("stream source service stopped")
}

// buildMongoRepositories connects to MongoDB when configured. The service
// runs fine without it: preferences stay in memory and history is disabled.
func buildMongoRepositories(ctx context.Context, cfg app.Config, logger *slog.Logger) (*mongorepo.PreferenceRepository, *mongorepo.PlaybackHistoryRepository) {
	uri := strings.TrimSpace(cfg.MongoURI)
	if uri == "" {
		logger.Info("mongo not configured, preferences are in-memory only")
		return nil, nil
	}

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongorepo.Connect(connectCtx, uri, options.Client().SetMonitor(otelmongo.NewMonitor()))
	if err != nil {
		logger.Warn("mongo connect failed, preferences are in-memory only", slog.String("error", err.Error()))
		return nil, nil
	}
	if err := client.Ping(connectCtx, readpref.Primary()); err != nil {
		logger.Warn("mongo ping failed, preferences are in-memory only", slog.String("error", err.Error()))
		return nil, nil
	}

	historyRepo := mongorepo.NewPlaybackHistoryRepository(client, cfg.MongoDatabase)
	if err := historyRepo.EnsureIndexes(connectCtx); err != nil {
		logger.Warn("mongo ensure indexes failed", slog.String("error", err.Error()))
	}
	logger.Info("mongo connected", slog.String("db", cfg.MongoDatabase))
	return mongorepo.NewPreferenceRepository(client, cfg.MongoDatabase), historyRepo
}

func buildSharedURLCache(ctx context.Context, cfg app.Config, logger *slog.Logger) *selection.RedisURLCache {
	redisURL := strings.TrimSpace(cfg.RedisURL)
	if redisURL == "" {
		return nil
	}
	redisOpts, err := redis.ParseURL(redisURL)
	if err != nil {
		logger.Warn("invalid redis url, using in-memory url cache only", slog.String("error", err.Error()))
		return nil
	}
	client := redis.NewClient(redisOpts)
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn("redis not reachable, using in-memory url cache only", slog.String("error", err.Error()))
		return nil
	}
	logger.Info("redis connected", slog.String("addr", redisOpts.Addr))
	return selection.NewRedisURLCache(client)
}

func newLogger(levelRaw, formatRaw string) *slog.Logger {
	level := parseLogLevel(levelRaw)
	options := &slog.HandlerOptions{Level: level}
	if strings.ToLower(strings.TrimSpace(formatRaw)) == "json" {
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
