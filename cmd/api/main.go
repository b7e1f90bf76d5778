package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"sync-control-plane/internal/admin"
	"sync-control-plane/internal/api"
	"sync-control-plane/internal/config"
	"sync-control-plane/internal/logging"
	"sync-control-plane/internal/queue"
	"sync-control-plane/internal/ratelimit"
	"sync-control-plane/internal/runs"
	"sync-control-plane/internal/store"
	"sync-control-plane/internal/telemetry"
	"sync-control-plane/internal/txretry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	log := logging.New(cfg.LogLevel, cfg.LogFormat)
	telemetry.Register()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
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
	if c, ok := backend.(interface{ Close() error }); ok {
		defer c.Close()
	}

	tracker := runs.ForDB(db, runs.WithLogger(log))
	manager := admin.NewManager(admin.NewCatalog(admin.DefaultCatalog()), backend, tracker, admin.WithLogger(log))
	limiter := ratelimit.PerMinute(rdb, cfg.ConsoleRPM, 5)

	server := api.New(manager, limiter, log)
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Info().Str("port", cfg.HTTPPort).Str("queue", backend.Name()).Msg("console api listening")
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("listen")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
