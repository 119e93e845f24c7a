package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/waveloop/radiod/internal/cache"
	"github.com/waveloop/radiod/internal/client"
	"github.com/waveloop/radiod/internal/config"
	"github.com/waveloop/radiod/internal/logging"
	"github.com/waveloop/radiod/internal/notify"
	"github.com/waveloop/radiod/internal/ops"
	"github.com/waveloop/radiod/internal/scheduler"
	"github.com/waveloop/radiod/internal/service"
	"github.com/waveloop/radiod/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := logging.New(cfg.Server.Env, cfg.Server.LogLevel)
	logger.Info().Str("station", cfg.Station.Name).Str("env", cfg.Server.Env).Msg("radiod starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Database
	if err := store.Migrate(cfg.Database.MigrateURL(), logging.Component(logger, "migrate")); err != nil {
		logger.Fatal().Err(err).Msg("failed to run migrations")
	}
	pool, err := store.Connect(ctx, cfg.Database.DSN(), logging.Component(logger, "store"))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to postgres")
	}
	defer pool.Close()
	st := store.New(pool)

	if err := os.MkdirAll(cfg.Dispatch.ArtifactDir, 0o755); err != nil {
		logger.Fatal().Err(err).Str("dir", cfg.Dispatch.ArtifactDir).Msg("failed to create artifact dir")
	}

	// Redis holds the now-playing snapshot. The station keeps running without
	// it; status surfaces just read empty.
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Warn().Err(err).Str("addr", cfg.Redis.Addr).Msg("redis unreachable, now-playing snapshots will be dropped")
	}
	playout := cache.NewNowPlayingCache(rdb, cfg.Station.NowPlayingTTL)

	// External services. Generation is the one hard requirement; everything
	// else degrades to a quieter station.
	suno := client.NewSunoClient(&cfg.Suno, logging.Component(logger, "suno"))
	if !suno.IsConfigured() {
		logger.Fatal().Msg("suno api key is required")
	}

	var enhancer service.Enhancer
	if groq := client.NewGroqClient(&cfg.Groq); groq.IsConfigured() {
		enhancer = groq
	} else {
		logger.Info().Msg("groq api key not set, prompt enhancement disabled")
	}

	var archive service.Archive
	if cfg.R2.AccountID != "" {
		r2, err := client.NewR2Client(&cfg.R2)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to create R2 client")
		}
		archive = r2
	} else {
		logger.Info().Msg("r2 not configured, artifacts stay local")
	}

	var relay service.Relay
	if cfg.Relay.BaseURL != "" {
		relay = client.NewRelayClient(&cfg.Relay, logging.Component(logger, "relay"))
	} else {
		logger.Info().Msg("no relay configured, tracks play direct")
	}

	var notifier service.Notifier = notify.Disabled{}
	if cfg.Telegram.BotToken != "" {
		tn, err := notify.NewTelegramNotifier(&cfg.Telegram, logging.Component(logger, "notify"))
		if err != nil {
			logger.Warn().Err(err).Msg("telegram unavailable, notifications disabled")
		} else {
			notifier = tn
		}
	}

	// Schedulers
	dispatcher := service.NewQueueDispatcher(cfg.Dispatch, st, suno, enhancer, archive, notifier,
		cfg.Station.Name, logging.Component(logger, "dispatch"))
	director := service.NewBroadcastDirector(cfg.Broadcast, st, relay, notifier, playout,
		logging.Component(logger, "broadcast"))

	runner := scheduler.New(logging.Component(logger, "scheduler"))
	runner.Add("dispatch", cfg.Dispatch.Interval, dispatcher.RunCycle)
	runner.Add("broadcast", cfg.Broadcast.Interval, director.RunCycle)
	runner.Start(ctx)

	opsServer := ops.NewServer(":"+cfg.Server.OpsPort, cfg.Station.Name, st, st, playout, playout,
		dispatcher.InFlight, logging.Component(logger, "ops"))
	go func() {
		if err := opsServer.Start(); err != nil {
			logger.Fatal().Err(err).Msg("ops server failed")
		}
	}()
	logger.Info().Str("port", cfg.Server.OpsPort).Msg("ops server listening")

	<-ctx.Done()
	logger.Info().Msg("shutting down")

	runner.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := opsServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("ops server shutdown failed")
	}

	logger.Info().Msg("station stopped")
}
