// Package engine orchestrates handler execution end to end: compile
// (cache-aware), acquire an instance, run under a hard wall-clock timeout,
// loop through suspend/resume, release, record metrics.
//
// The engine returns a Go error only for host misuse: engine shut down,
// acquisition cancelled, unknown suspension id, unknown handler hash.
// Every handler-level failure travels as data in the Result.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/pulseboard/backend/internal/logging"
	"github.com/pulseboard/backend/internal/sandbox/capability"
	"github.com/pulseboard/backend/internal/sandbox/compiler"
	"github.com/pulseboard/backend/internal/sandbox/hostcall"
	"github.com/pulseboard/backend/internal/sandbox/instance"
	"github.com/pulseboard/backend/internal/sandbox/metrics"
	"github.com/pulseboard/backend/internal/sandbox/pool"
	"github.com/pulseboard/backend/internal/sandbox/types"
)

var (
	// ErrShutdown is returned once Shutdown has run.
	ErrShutdown = errors.New("engine is shut down")

	// ErrUnknownHash is returned by ExecuteCompiled for a hash no
	// Precompile produced.
	ErrUnknownHash = errors.New("unknown handler hash")
)

// Config assembles the engine.
type Config struct {
	Limits types.Limits
	Pool   pool.Config
	Cache  compiler.Config

	// InferCapabilities enables advisory capability inference for handlers
	// declaring none. Lint tooling only; keep off in production.
	InferCapabilities bool

	// StaleSuspensionAge bounds how long a suspension may wait for resume
	// before its instance is reaped. Zero disables the janitor.
	StaleSuspensionAge time.Duration
	CleanupInterval    time.Duration
}

// DefaultConfig returns the shipped engine configuration.
func DefaultConfig() Config {
	return Config{
		Limits:             types.DefaultLimits(),
		Pool:               pool.DefaultConfig(),
		Cache:              compiler.DefaultConfig(),
		StaleSuspensionAge: 5 * time.Minute,
		CleanupInterval:    time.Minute,
	}
}

// Stats combines the engine's observable surfaces.
type Stats struct {
	Pool   pool.Stats       `json:"pool"`
	Cache  compiler.Stats   `json:"cache"`
	Engine metrics.Snapshot `json:"engine"`
}

// Engine executes handlers.
type Engine struct {
	cfg       Config
	compiler  *compiler.Compiler
	pool      *pool.Pool
	collector *metrics.Collector
	logger    *logging.Logger

	closed      atomic.Bool
	janitorStop chan struct{}
	janitorDone chan struct{}
}

// New assembles an engine, pre-warms the pool, and starts the stale
// suspension janitor.
func New(cfg Config, logger *logging.Logger) *Engine {
	p := pool.New(cfg.Pool, cfg.Limits, logger)
	p.Prewarm()

	e := &Engine{
		cfg:      cfg,
		compiler: compiler.New(cfg.Cache),
		pool:     p,
		logger:   logger,
	}
	e.collector = metrics.New(func() (int, int, int, uint64) {
		s := p.Stats()
		return s.Active, s.Available, s.Suspended, s.TotalMemory
	}, func() (uint64, uint64) {
		s := e.compiler.Stats()
		return s.Hits, s.Misses
	})

	if cfg.CleanupInterval > 0 && cfg.StaleSuspensionAge > 0 {
		e.janitorStop = make(chan struct{})
		e.janitorDone = make(chan struct{})
		go e.janitor()
	}
	return e
}

func (e *Engine) janitor() {
	defer close(e.janitorDone)
	ticker := time.NewTicker(e.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := e.pool.CleanupStale(e.cfg.StaleSuspensionAge); n > 0 {
				e.logger.Warn("reaped stale suspensions", zap.Int("count", n))
			}
		case <-e.janitorStop:
			return
		}
	}
}

// Execute compiles and runs handler source. The result is terminal or
// suspended; on suspension the caller performs the named extension I/O and
// calls Resume with the suspension id.
func (e *Engine) Execute(ctx context.Context, source string, wctx *types.Context, timeoutMS uint32) (*types.Result, error) {
	if e.closed.Load() {
		return nil, ErrShutdown
	}

	h, cerr := e.compiler.Compile(source)
	if cerr != nil {
		r := types.ErrorResult(cerr)
		e.collector.Record(r)
		return r, nil
	}
	return e.executeHandler(ctx, h, wctx, timeoutMS, source)
}

// ExecuteCompiled runs a previously precompiled handler by content hash.
func (e *Engine) ExecuteCompiled(ctx context.Context, hash string, wctx *types.Context, timeoutMS uint32) (*types.Result, error) {
	if e.closed.Load() {
		return nil, ErrShutdown
	}

	h, ok := e.compiler.GetByHash(hash)
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownHash, hash)
	}
	return e.executeHandler(ctx, h, wctx, timeoutMS, h.Source)
}

func (e *Engine) executeHandler(ctx context.Context, h *compiler.Handler, wctx *types.Context, timeoutMS uint32, source string) (*types.Result, error) {
	if timeoutMS == 0 {
		timeoutMS = e.cfg.Limits.TimeoutMS
	}

	hc := hostcall.New(wctx, e.cfg.Limits, hostcall.Options{
		InferCapabilities: e.cfg.InferCapabilities,
		Source:            source,
	})

	inst, err := e.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	execCtx, cancel := context.WithTimeout(ctx, time.Duration(timeoutMS)*time.Millisecond)
	defer cancel()

	start := time.Now()
	r := inst.Execute(execCtx, h, hc, timeoutMS)
	e.finishStep(inst, r, start, h.CompileUS, h.CacheHit)
	return r, nil
}

// Resume delivers an async extension result into the suspension's pinned
// instance and runs the next step. A suspension id resolves exactly once.
func (e *Engine) Resume(ctx context.Context, suspensionID string, result types.AsyncResult) (*types.Result, error) {
	if e.closed.Load() {
		return nil, ErrShutdown
	}

	inst, err := e.pool.GetSuspended(suspensionID)
	if err != nil {
		return nil, err
	}

	timeoutMS := e.cfg.Limits.TimeoutMS
	execCtx, cancel := context.WithTimeout(ctx, time.Duration(timeoutMS)*time.Millisecond)
	defer cancel()

	start := time.Now()
	r := inst.Resume(execCtx, result, timeoutMS)
	// Resume steps always hit the compiled program cached on the instance.
	e.finishStep(inst, r, start, 0, true)
	return r, nil
}

// finishStep fills metrics, forwards handler logs, releases the instance,
// and records the outcome.
func (e *Engine) finishStep(inst *instance.Instance, r *types.Result, start time.Time, compileUS uint64, cacheHit bool) {
	r.Metrics = types.Metrics{
		DurationUS:        uint64(time.Since(start).Microseconds()),
		MemoryUsedBytes:   inst.MemoryUsed(),
		MemoryPeakBytes:   inst.MemoryPeak(),
		CompilationTimeUS: compileUS,
		CacheHit:          cacheHit,
	}
	if hc := inst.HostContext(); hc != nil {
		r.Metrics.HostCalls = hc.HostCalls()
		e.forwardLogs(hc, r.Logs)
	}

	e.pool.Release(inst)
	e.collector.Record(r)
}

// forwardLogs re-emits handler $log lines on the host logger.
func (e *Engine) forwardLogs(hc *hostcall.Context, logs []types.LogEntry) {
	for _, entry := range logs {
		fields := []zap.Field{
			zap.String("panel_id", hc.PanelID()),
			zap.String("handler", hc.HandlerName()),
		}
		switch entry.Level {
		case "debug":
			e.logger.Debug(entry.Message, fields...)
		case "warn":
			e.logger.Warn(entry.Message, fields...)
		case "error":
			e.logger.Error(entry.Message, fields...)
		default:
			e.logger.Info(entry.Message, fields...)
		}
	}
}

// Precompile compiles source eagerly without executing and returns the
// content hash usable with ExecuteCompiled.
func (e *Engine) Precompile(source string) (string, error) {
	if e.closed.Load() {
		return "", ErrShutdown
	}
	hash, cerr := e.compiler.Precompile(source)
	if cerr != nil {
		return "", cerr
	}
	return hash, nil
}

// InferCapabilities exposes the advisory static inference for tooling.
func (e *Engine) InferCapabilities(source string) []string {
	return capability.InferStrings(source)
}

// ClearCache drops both compiler cache tiers.
func (e *Engine) ClearCache() {
	e.compiler.Clear()
}

// CleanupStale reaps suspensions older than maxAge immediately.
func (e *Engine) CleanupStale(maxAge time.Duration) int {
	return e.pool.CleanupStale(maxAge)
}

// Stats snapshots pool, cache, and execution aggregates.
func (e *Engine) Stats() Stats {
	return Stats{
		Pool:   e.pool.Stats(),
		Cache:  e.compiler.Stats(),
		Engine: e.collector.Snapshot(),
	}
}

// PrometheusText renders the metrics registry as exposition text.
func (e *Engine) PrometheusText() (string, error) {
	return e.collector.PrometheusText()
}

// Shutdown stops the janitor and terminates every pooled instance.
// Idempotent.
func (e *Engine) Shutdown() {
	if !e.closed.CompareAndSwap(false, true) {
		return
	}
	if e.janitorStop != nil {
		close(e.janitorStop)
		<-e.janitorDone
	}
	e.pool.Shutdown()
	e.logger.Info("engine shut down")
}
