package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all service configuration
type Config struct {
	Service   ServiceConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Queue     QueueConfig
	Worker    WorkerConfig
	Scheduler SchedulerConfig
	Cache     CacheConfig
	Telemetry TelemetryConfig
}

// ServiceConfig holds service-specific settings
type ServiceConfig struct {
	Name        string
	Port        int
	Environment string
	LogLevel    string
	LogFormat   string
	// BaseURL is the externally reachable API address, used to build
	// webhook resume URLs surfaced in suspension payloads
	BaseURL string
}

// DatabaseConfig holds Postgres connection settings
type DatabaseConfig struct {
	Host        string
	Port        int
	Database    string
	User        string
	Password    string
	MaxConns    int
	MinConns    int
	MaxIdleTime time.Duration
	MaxLifetime time.Duration
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// QueueConfig holds dispatch queue settings
type QueueConfig struct {
	Type              string // "redis" in production, "memory" for tests
	TaskStream        string
	ConsumerGroup     string
	ChunkStream       string
	VisibilityTimeout time.Duration
	BlockTime         time.Duration
}

// WorkerConfig holds worker pool settings
type WorkerConfig struct {
	Concurrency         int
	TaskDeadline        time.Duration
	AllowPrivateTargets bool // permit HTTP nodes to reach private networks
}

// SchedulerConfig holds scheduler loop settings
type SchedulerConfig struct {
	Tick       time.Duration
	ClaimBatch int
	MaxRunWall time.Duration
	StaleAfter time.Duration
}

// CacheConfig holds cache settings
type CacheConfig struct {
	Enabled    bool
	DefaultTTL time.Duration
}

// TelemetryConfig holds observability settings
type TelemetryConfig struct {
	EnablePprof bool
	PprofPort   int
}

// Load loads configuration from environment variables
func Load(serviceName string) (*Config, error) {
	cfg := &Config{
		Service: ServiceConfig{
			Name:        serviceName,
			Port:        getEnvInt("PORT", 8080),
			Environment: getEnv("ENVIRONMENT", "development"),
			LogLevel:    getEnv("LOG_LEVEL", "info"),
			LogFormat:   getEnv("LOG_FORMAT", "text"),
			BaseURL:     getEnv("BASE_URL", "http://localhost:8080"),
		},
		Database: DatabaseConfig{
			Host:        getEnv("POSTGRES_HOST", "localhost"),
			Port:        getEnvInt("POSTGRES_PORT", 5432),
			Database:    getEnv("POSTGRES_DB", "gridflow"),
			User:        getEnv("POSTGRES_USER", "gridflow"),
			Password:    getEnv("POSTGRES_PASSWORD", "gridflow"),
			MaxConns:    getEnvInt("POSTGRES_MAX_CONNS", 50),
			MinConns:    getEnvInt("POSTGRES_MIN_CONNS", 10),
			MaxIdleTime: getEnvDuration("POSTGRES_MAX_IDLE_TIME", 30*time.Minute),
			MaxLifetime: getEnvDuration("POSTGRES_MAX_LIFETIME", 1*time.Hour),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnvInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Queue: QueueConfig{
			Type:              getEnv("QUEUE_TYPE", "redis"),
			TaskStream:        getEnv("QUEUE_TASK_STREAM", "gf.tasks"),
			ConsumerGroup:     getEnv("QUEUE_CONSUMER_GROUP", "gf_workers"),
			ChunkStream:       getEnv("QUEUE_CHUNK_STREAM", "gf.chunks"),
			VisibilityTimeout: getEnvDuration("QUEUE_VISIBILITY_TIMEOUT", 5*time.Minute),
			BlockTime:         getEnvDuration("QUEUE_BLOCK_TIME", 5*time.Second),
		},
		Worker: WorkerConfig{
			Concurrency:         getEnvInt("WORKER_CONCURRENCY", 8),
			TaskDeadline:        getEnvDuration("WORKER_TASK_DEADLINE", 5*time.Minute),
			AllowPrivateTargets: getEnvBool("WORKER_ALLOW_PRIVATE_TARGETS", false),
		},
		Scheduler: SchedulerConfig{
			Tick:       getEnvDuration("SCHEDULER_TICK", 1*time.Second),
			ClaimBatch: getEnvInt("SCHEDULER_CLAIM_BATCH", 50),
			MaxRunWall: getEnvDuration("SCHEDULER_MAX_RUN_WALL", 24*time.Hour),
			StaleAfter: getEnvDuration("SCHEDULER_STALE_AFTER", 1*time.Hour),
		},
		Cache: CacheConfig{
			Enabled:    getEnvBool("CACHE_ENABLED", true),
			DefaultTTL: getEnvDuration("CACHE_DEFAULT_TTL", 5*time.Minute),
		},
		Telemetry: TelemetryConfig{
			EnablePprof: getEnvBool("ENABLE_PPROF", true),
			PprofPort:   getEnvInt("PPROF_PORT", 6060),
		},
	}

	return cfg, cfg.Validate()
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if c.Service.Port < 1 || c.Service.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Service.Port)
	}

	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if c.Database.MaxConns < c.Database.MinConns {
		return fmt.Errorf("max_conns must be >= min_conns")
	}

	if c.Worker.Concurrency < 1 {
		return fmt.Errorf("worker concurrency must be >= 1")
	}

	if c.Scheduler.ClaimBatch < 1 {
		return fmt.Errorf("scheduler claim batch must be >= 1")
	}

	return nil
}

// DatabaseURL returns the PostgreSQL connection string
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.Database.User,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Database,
	)
}

// RedisAddr returns the Redis host:port address
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
