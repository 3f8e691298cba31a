package bootstrap

import (
	"github.com/lyzr/gridflow/common/config"
	"github.com/lyzr/gridflow/common/logger"
)

// Option customizes Setup
type Option func(*options)

type options struct {
	skipDB        bool
	skipRedis     bool
	skipQueue     bool
	skipPublisher bool
	skipCache     bool
	skipTelemetry bool
	customConfig  *config.Config
	customLogger  *logger.Logger
}

func defaultOptions() *options {
	return &options{}
}

// WithoutDB skips database initialization
func WithoutDB() Option {
	return func(o *options) { o.skipDB = true }
}

// WithoutRedis skips Redis (and everything built on it)
func WithoutRedis() Option {
	return func(o *options) {
		o.skipRedis = true
		o.skipQueue = true
		o.skipPublisher = true
	}
}

// WithoutQueue skips the dispatch queue
func WithoutQueue() Option {
	return func(o *options) { o.skipQueue = true }
}

// WithoutPublisher skips the stream publisher
func WithoutPublisher() Option {
	return func(o *options) { o.skipPublisher = true }
}

// WithoutCache skips the cache
func WithoutCache() Option {
	return func(o *options) { o.skipCache = true }
}

// WithoutTelemetry skips pprof
func WithoutTelemetry() Option {
	return func(o *options) { o.skipTelemetry = true }
}

// WithCustomConfig supplies a pre-built config instead of loading env
func WithCustomConfig(cfg *config.Config) Option {
	return func(o *options) { o.customConfig = cfg }
}

// WithCustomLogger supplies a pre-built logger
func WithCustomLogger(log *logger.Logger) Option {
	return func(o *options) { o.customLogger = log }
}
