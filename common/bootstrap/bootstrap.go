package bootstrap

import (
	"context"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"github.com/lyzr/gridflow/common/cache"
	"github.com/lyzr/gridflow/common/config"
	"github.com/lyzr/gridflow/common/db"
	"github.com/lyzr/gridflow/common/logger"
	"github.com/lyzr/gridflow/common/queue"
	"github.com/lyzr/gridflow/common/redis"
	"github.com/lyzr/gridflow/common/repository"
	"github.com/lyzr/gridflow/common/stream"
	"github.com/lyzr/gridflow/common/telemetry"
)

// Setup initializes all service components.
// This is the main entry point for all services.
func Setup(ctx context.Context, serviceName string, opts ...Option) (*Components, error) {
	options := defaultOptions()
	for _, opt := range opts {
		opt(options)
	}

	components := &Components{
		cleanupFuncs: make([]func() error, 0),
	}

	// 1. Load configuration
	var err error
	if options.customConfig != nil {
		components.Config = options.customConfig
	} else {
		components.Config, err = config.Load(serviceName)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
	}

	// 2. Initialize logger
	if options.customLogger != nil {
		components.Logger = options.customLogger
	} else {
		components.Logger = logger.New(
			components.Config.Service.LogLevel,
			components.Config.Service.LogFormat,
		)
	}

	components.Logger.Info("initializing service",
		"service", serviceName,
		"environment", components.Config.Service.Environment,
	)

	// 3. Initialize database
	if !options.skipDB {
		components.Logger.Info("connecting to database")
		components.DB, err = db.New(ctx, components.Config, components.Logger)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		components.addCleanup(func() error {
			components.DB.Close()
			return nil
		})

		components.Repo = repository.New(components.DB, components.Logger)
	}

	// 4. Initialize Redis
	if !options.skipRedis {
		components.Logger.Info("connecting to redis", "addr", components.Config.RedisAddr())
		raw := goredis.NewClient(&goredis.Options{
			Addr:     components.Config.RedisAddr(),
			Password: components.Config.Redis.Password,
			DB:       components.Config.Redis.DB,
		})
		components.Redis = redis.NewClient(raw, components.Logger)
		if err := components.Redis.Ping(ctx); err != nil {
			components.Shutdown(ctx)
			return nil, fmt.Errorf("failed to ping redis: %w", err)
		}
		components.addCleanup(func() error {
			components.Logger.Info("closing redis connection")
			return components.Redis.Close()
		})
	}

	// 5. Initialize dispatch queue
	if !options.skipQueue {
		components.Logger.Info("initializing queue", "type", components.Config.Queue.Type)

		switch components.Config.Queue.Type {
		case "redis":
			if components.Redis == nil {
				return nil, fmt.Errorf("redis queue requires redis")
			}
			components.Queue, err = queue.NewRedisQueue(ctx, components.Redis, components.Config, components.Logger)
			if err != nil {
				components.Shutdown(ctx)
				return nil, fmt.Errorf("failed to initialize queue: %w", err)
			}
		case "memory":
			components.Queue = queue.NewMemoryQueue(components.Logger)
		default:
			return nil, fmt.Errorf("unknown queue type: %s", components.Config.Queue.Type)
		}

		components.addCleanup(func() error {
			components.Logger.Info("closing queue")
			return components.Queue.Close()
		})
	}

	// 6. Initialize stream publisher
	if !options.skipPublisher {
		if components.Redis != nil {
			var store stream.ChunkStore
			if components.Repo != nil {
				store = components.Repo
			}
			components.Publisher = stream.NewRedisPublisher(
				components.Redis,
				components.Config.Queue.ChunkStream,
				store,
				components.Logger,
			)
		} else {
			components.Publisher = stream.NewMemoryPublisher()
		}
		components.addCleanup(func() error {
			return components.Publisher.Close()
		})
	}

	// 7. Initialize cache
	if !options.skipCache && components.Config.Cache.Enabled {
		components.Cache = cache.NewMemoryCache(components.Config.Cache.DefaultTTL, components.Logger)
		components.addCleanup(func() error {
			return components.Cache.Close()
		})
	}

	// 8. Initialize telemetry
	if !options.skipTelemetry && components.Config.Telemetry.EnablePprof {
		components.Telemetry = telemetry.New(components.Config.Telemetry.PprofPort, components.Logger)
		if err := components.Telemetry.Start(ctx); err != nil {
			components.Logger.Warn("failed to start telemetry", "error", err)
			// Don't fail startup if telemetry fails
		}
	}

	components.Logger.Info("service initialization complete",
		"service", serviceName,
		"db", components.DB != nil,
		"redis", components.Redis != nil,
		"queue", components.Queue != nil,
		"cache", components.Cache != nil,
	)

	return components, nil
}

// MustSetup is like Setup but panics on error
func MustSetup(ctx context.Context, serviceName string, opts ...Option) *Components {
	components, err := Setup(ctx, serviceName, opts...)
	if err != nil {
		panic(fmt.Sprintf("failed to setup service %s: %v", serviceName, err))
	}
	return components
}
