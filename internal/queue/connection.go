package queue

import (
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"sync-control-plane/internal/config"
	"sync-control-plane/internal/store"
	"sync-control-plane/internal/txretry"
)

// Deps carries the shared handles a backend may need.
type Deps struct {
	Redis  redis.UniversalClient
	DB     *store.DB
	Runner *txretry.Runner
	Log    zerolog.Logger
}

// Open selects the backend named by cfg.QueueConnection.
func Open(cfg config.Config, deps Deps) (Backend, error) {
	switch cfg.QueueConnection {
	case config.QueueRedis:
		if deps.Redis == nil {
			return nil, fmt.Errorf("queue connection %q needs a redis client", cfg.QueueConnection)
		}
		return NewRedisBackend(deps.Redis, WithRedisLogger(deps.Log), WithRedisLease(cfg.QueueRetryAfter)), nil
	case config.QueueDatabase:
		if deps.DB == nil {
			return nil, fmt.Errorf("queue connection %q needs a database", cfg.QueueConnection)
		}
		return NewDatabaseBackend(deps.DB, deps.Runner, WithDatabaseLogger(deps.Log), WithRetryAfter(cfg.QueueRetryAfter)), nil
	case config.QueueAsynq:
		return NewAsynqBackend(AsynqRedisOpt(cfg), deps.Log), nil
	default:
		return Unsupported{Connection: cfg.QueueConnection}, nil
	}
}

// AsynqRedisOpt is the asynq connection for cfg's redis settings.
func AsynqRedisOpt(cfg config.Config) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}
}
