package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"chatrelay/internal/assembler"
	"chatrelay/internal/config"
	"chatrelay/internal/credentials"
	"chatrelay/internal/crypto"
	"chatrelay/internal/metrics"
	"chatrelay/internal/providers/registry"
	"chatrelay/internal/queue"
	"chatrelay/internal/relay"
	"chatrelay/internal/retrieval"
	"chatrelay/internal/server"
	"chatrelay/internal/storage"
	"chatrelay/internal/title"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	setupLogger(cfg.Log.Level)
	log.Info().
		Str("mode", cfg.AppMode).
		Str("db_driver", cfg.DB.Driver).
		Str("ollama", cfg.Ollama.BaseURL).
		Msg("starting chatrelay")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := storage.Open(ctx, cfg.DB.Driver, cfg.DB.DSN, cfg.DB.AutoMigrate, "migrations")
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize storage")
	}
	defer store.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal().Err(err).Msg("failed to connect redis")
	}
	defer rdb.Close()

	keyring, err := crypto.NewKeyring(cfg.Crypto.CurrentKeyID, cfg.Crypto.Keys)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize keyring")
	}

	m := metrics.Global()
	creds := credentials.New(store, keyring)
	httpClient := &http.Client{Timeout: cfg.HTTP.ClientTimeout}
	reg := registry.New(registry.Config{
		Source:       creds,
		LocalBaseURL: cfg.Ollama.BaseURL,
		IdleTimeout:  cfg.Stream.IdleTimeout,
		TotalTimeout: cfg.Stream.TotalTimeout,
	})

	var gateway *retrieval.Gateway
	if cfg.Retrieval.BaseURL != "" {
		gateway = retrieval.New(retrieval.Config{
			BaseURL:     cfg.Retrieval.BaseURL,
			TopK:        cfg.Retrieval.TopK,
			HTTPClient:  httpClient,
			MaxRetries:  cfg.HTTP.MaxRetries,
			BackoffBase: cfg.HTTP.BackoffBase,
			Logger:      log.Logger,
		})
	}
	var searcher assembler.Searcher
	if gateway != nil {
		searcher = gateway
	}
	builder := assembler.New(searcher, log.Logger)

	jobQueue := queue.NewStreamQueue(rdb, cfg.Redis.QueueStream, cfg.Redis.QueueGroup, cfg.Worker.ConsumerName, cfg.Redis.QueueBlock)
	titleEngine := title.NewEngine(title.Config{
		Store:           store,
		Queue:           jobQueue,
		Enabled:         cfg.Title.Enabled,
		TriggerAfter:    cfg.Title.TriggerAfter,
		RegenerateAfter: cfg.Title.RegenerateAfter,
		Model:           cfg.Title.Model,
		Logger:          log.Logger,
	})

	turnRelay := relay.New(store, reg, builder, titleEngine, log.Logger)

	errCh := make(chan error, 4)

	var httpServer *http.Server
	if cfg.AppMode == config.ModeServer || cfg.AppMode == config.ModeAll {
		srv := server.New(server.Config{
			Store:       store,
			Relay:       turnRelay,
			Credentials: creds,
			Guard:       queue.NewTurnGuard(rdb, cfg.Redis.TurnTTL),
			Limiter:     queue.NewRateLimiter(rdb, cfg.Rate.PerHour),
			Logger:      log.Logger,
			Metrics:     m,
			HealthPath:  cfg.Server.HealthPath,
			MetricsPath: cfg.Server.MetricsPath,
		})
		httpServer = &http.Server{
			Addr:              cfg.Server.ListenAddr,
			Handler:           srv.Routes(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			log.Info().Str("addr", cfg.Server.ListenAddr).Msg("http server started")
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- fmt.Errorf("http server: %w", err)
			}
		}()
	}

	if cfg.AppMode == config.ModeWorker || cfg.AppMode == config.ModeAll {
		w := title.NewWorker(title.WorkerConfig{
			Store:         store,
			Queue:         jobQueue,
			Resolver:      reg,
			MaxJobRetries: cfg.Worker.MaxRetries,
			Logger:        log.Logger,
			Metrics:       m,
		})
		go func() {
			if err := w.Start(ctx, cfg.Worker.Concurrency); err != nil && ctx.Err() == nil {
				errCh <- fmt.Errorf("worker failed: %w", err)
			}
		}()
		log.Info().Int("concurrency", cfg.Worker.Concurrency).Msg("title worker started")
	}

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		log.Error().Err(err).Msg("runtime error")
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if httpServer != nil {
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("failed to stop http server")
		}
	}

	log.Info().Msg("stopped")
}

func setupLogger(level string) {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.SetGlobalLevel(parseLogLevel(level))
	log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func parseLogLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
