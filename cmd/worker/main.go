package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"sync-control-plane/internal/admin"
	"sync-control-plane/internal/archive"
	"sync-control-plane/internal/config"
	"sync-control-plane/internal/heartbeat"
	"sync-control-plane/internal/ingest"
	"sync-control-plane/internal/logging"
	"sync-control-plane/internal/provider"
	"sync-control-plane/internal/queue"
	"sync-control-plane/internal/ratelimit"
	"sync-control-plane/internal/runs"
	"sync-control-plane/internal/store"
	"sync-control-plane/internal/telemetry"
	"sync-control-plane/internal/txretry"
	"sync-control-plane/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	log := logging.New(cfg.LogLevel, cfg.LogFormat)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	db, err := store.Open(ctx, cfg.DBDriver, cfg.DatabaseDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("connect database")
	}
	defer db.Close()
	if err := db.RunMigrations(ctx); err != nil {
		log.Fatal().Err(err).Msg("migrations")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()

	runner := txretry.New(db.DB, txretry.WithLogger(log))
	backend, err := queue.Open(cfg, queue.Deps{Redis: rdb, DB: db, Runner: runner, Log: log})
	if err != nil {
		log.Fatal().Err(err).Msg("open queue")
	}

	archiver, err := archive.New(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("init archive")
	}

	sink := heartbeat.NewSQLSink(db)
	driver := ingest.NewDriver(
		runs.ForDB(db, runs.WithLogger(log)),
		runner,
		ingest.NewEntityWriter(db),
		providerClients(cfg, rdb, log),
		ingest.WithHeartbeatSink(sink),
		ingest.WithArchiver(archiver),
		ingest.WithLogger(log),
	)
	registry := worker.NewRegistry()
	worker.RegisterDefaults(registry, driver, ingest.Jobs(cfg), sink, log)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Warn().Err(err).Msg("metrics server stopped")
		}
	}()

	var (
		dispatcher queue.Dispatcher = backend
		run        func(context.Context) error
	)
	switch b := backend.(type) {
	case *queue.AsynqBackend:
		defer b.Close()
		run = worker.NewAsynqServer(queue.AsynqRedisOpt(cfg), cfg, registry, b, log).Run
	case queue.Consumer:
		run = worker.NewProcessor(cfg, b, registry, worker.WithLogger(log)).Run
	default:
		inline := worker.NewInline(registry, log)
		dispatcher = inline
		run = func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		}
	}

	if cfg.EnableScheduler {
		sched, err := worker.NewScheduler(admin.DefaultCatalog(), dispatcher, log)
		if err != nil {
			log.Fatal().Err(err).Msg("init scheduler")
		}
		sched.Start()
		defer sched.Stop()
	}

	log.Info().
		Str("queue", backend.Name()).
		Strs("queues", cfg.WorkerQueues).
		Int("concurrency", cfg.WorkerConcurrency).
		Strs("jobs", registry.JobTypes()).
		Msg("worker started")
	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("worker stopped")
	}
}

// providerClients builds one executor per configured provider, sharing each
// provider's request budget across workers through redis.
func providerClients(cfg config.Config, rdb *redis.Client, log zerolog.Logger) map[string]ingest.Fetcher {
	out := make(map[string]ingest.Fetcher, len(cfg.Providers))
	for name := range cfg.Providers {
		pc, _ := cfg.Provider(name)
		var limiter ratelimit.Limiter = ratelimit.Unlimited{}
		if pc.RequestsPerMinute > 0 {
			limiter = ratelimit.PerMinute(rdb, pc.RequestsPerMinute, 1)
		}
		out[name] = provider.New(name, pc, provider.WithLimiter(limiter), provider.WithLogger(log.With().Str("provider", name).Logger()))
	}
	return out
}
