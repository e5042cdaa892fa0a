// Package config provides 12-factor configuration for the handler engine.
//
// Configuration is loaded from environment variables with sensible
// defaults; CLI flags may override individual values in development.
//
// Sections:
//   - Server: HTTP host and port
//   - Engine: per-invocation limits, inference toggle, janitor timing
//   - Pool: instance pool sizing
//   - Cache: compiler cache budgets and optional disk tier
//   - Logging: level and output format
//   - RateLimit: per-IP rate limiting
//
// Environment variables:
//   - PORT, HOST
//   - SANDBOX_TIMEOUT_MS, SANDBOX_MEMORY_LIMIT, SANDBOX_STACK_SIZE
//   - SANDBOX_MAX_HOST_CALLS, SANDBOX_MAX_MUTATIONS, SANDBOX_MAX_EVENTS
//   - SANDBOX_MAX_INSTANCES, SANDBOX_MIN_INSTANCES
//   - SANDBOX_CACHE_ENTRIES, SANDBOX_CACHE_BYTES, SANDBOX_CACHE_DIR
//   - SANDBOX_INFER_CAPABILITIES, SANDBOX_STALE_SUSPENSION_AGE
//   - LOG_LEVEL, LOG_DEV, RATE_LIMIT_RPS, RATE_LIMIT_BURST
package config
