// Package config maps environment variables onto the application and
// engine configuration.
package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/pulseboard/backend/internal/sandbox/types"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig
	Engine    EngineConfig
	Pool      PoolConfig
	Cache     CacheConfig
	Logging   LogConfig
	RateLimit RateLimitConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port string `envconfig:"PORT" default:"8600"`
	Host string `envconfig:"HOST" default:"0.0.0.0"`
}

// EngineConfig holds per-invocation limits and engine behavior.
type EngineConfig struct {
	TimeoutMS          uint32        `envconfig:"SANDBOX_TIMEOUT_MS" default:"5000"`
	MemoryLimitBytes   uint64        `envconfig:"SANDBOX_MEMORY_LIMIT" default:"33554432"`
	StackSizeBytes     uint64        `envconfig:"SANDBOX_STACK_SIZE" default:"1048576"`
	MaxHostCalls       uint32        `envconfig:"SANDBOX_MAX_HOST_CALLS" default:"10000"`
	MaxStateMutations  uint32        `envconfig:"SANDBOX_MAX_MUTATIONS" default:"1000"`
	MaxEvents          uint32        `envconfig:"SANDBOX_MAX_EVENTS" default:"100"`
	InferCapabilities  bool          `envconfig:"SANDBOX_INFER_CAPABILITIES" default:"false"`
	StaleSuspensionAge time.Duration `envconfig:"SANDBOX_STALE_SUSPENSION_AGE" default:"5m"`
	CleanupInterval    time.Duration `envconfig:"SANDBOX_CLEANUP_INTERVAL" default:"1m"`
}

// PoolConfig sizes the instance pool.
type PoolConfig struct {
	MaxInstances int `envconfig:"SANDBOX_MAX_INSTANCES" default:"10"`
	MinInstances int `envconfig:"SANDBOX_MIN_INSTANCES" default:"2"`
}

// CacheConfig tunes the compiler cache tiers.
type CacheConfig struct {
	MaxEntries   int    `envconfig:"SANDBOX_CACHE_ENTRIES" default:"256"`
	MaxBytes     uint64 `envconfig:"SANDBOX_CACHE_BYTES" default:"16777216"`
	DiskDir      string `envconfig:"SANDBOX_CACHE_DIR" default:""`
	DiskMaxBytes uint64 `envconfig:"SANDBOX_CACHE_DISK_BYTES" default:"67108864"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond int  `envconfig:"RATE_LIMIT_RPS" default:"100"`
	Burst             int  `envconfig:"RATE_LIMIT_BURST" default:"200"`
	Enabled           bool `envconfig:"RATE_LIMIT_ENABLED" default:"true"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port: "8600",
			Host: "0.0.0.0",
		},
		Engine: EngineConfig{
			TimeoutMS:          5000,
			MemoryLimitBytes:   32 * 1024 * 1024,
			StackSizeBytes:     1024 * 1024,
			MaxHostCalls:       10000,
			MaxStateMutations:  1000,
			MaxEvents:          100,
			StaleSuspensionAge: 5 * time.Minute,
			CleanupInterval:    time.Minute,
		},
		Pool: PoolConfig{
			MaxInstances: 10,
			MinInstances: 2,
		},
		Cache: CacheConfig{
			MaxEntries:   256,
			MaxBytes:     16 * 1024 * 1024,
			DiskMaxBytes: 64 * 1024 * 1024,
		},
		Logging: LogConfig{
			Level: "info",
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 100,
			Burst:             200,
			Enabled:           true,
		},
	}
}

// Limits converts the engine section into the sandbox limit set.
func (c *Config) Limits() types.Limits {
	e := c.Engine
	return types.Limits{
		TimeoutMS:         e.TimeoutMS,
		MemoryLimitBytes:  e.MemoryLimitBytes,
		StackSizeBytes:    e.StackSizeBytes,
		MaxHostCalls:      e.MaxHostCalls,
		MaxStateMutations: e.MaxStateMutations,
		MaxEvents:         e.MaxEvents,
	}
}
