// Package pool manages the bounded collection of sandbox instances.
//
// A weighted semaphore sized max_instances is the sole concurrency gate: no
// handler runs outside its budget. A suspended instance keeps its permit
// because its pinned VM state still occupies a concurrency slot; the permit
// is released only when the instance finishes or is cleaned up. The paused
// VM never leaves the pool: callers hold a suspension id, an index into the
// suspended map, not the instance itself.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/pulseboard/backend/internal/logging"
	"github.com/pulseboard/backend/internal/sandbox/instance"
	"github.com/pulseboard/backend/internal/sandbox/types"
	"github.com/pulseboard/backend/internal/shared/id"
)

// ErrClosed is returned once the pool has shut down.
var ErrClosed = errors.New("instance pool is closed")

// ErrUnknownSuspension is returned for a suspension id that was never
// issued or was already resumed.
var ErrUnknownSuspension = errors.New("unknown suspension")

// Config sizes the pool.
type Config struct {
	MaxInstances int
	MinInstances int
}

// DefaultConfig returns the shipped pool sizing.
func DefaultConfig() Config {
	return Config{MaxInstances: 10, MinInstances: 2}
}

// Stats is a point-in-time pool snapshot.
type Stats struct {
	Active           int    `json:"active"`
	Available        int    `json:"available"`
	Suspended        int    `json:"suspended"`
	TotalMemory      uint64 `json:"total_memory"`
	InstancesCreated uint64 `json:"instances_created"`
}

type suspendedEntry struct {
	inst *instance.Instance
	at   time.Time
}

// Pool owns every instance. Invariant, checked in tests: active plus
// available plus suspended never exceeds MaxInstances.
type Pool struct {
	cfg    Config
	limits types.Limits
	sem    *semaphore.Weighted
	logger *logging.Logger

	mu        sync.Mutex
	closed    bool
	available []*instance.Instance // LIFO: most recently used first
	active    map[id.InstanceID]*instance.Instance
	suspended map[string]suspendedEntry
	created   uint64
}

// New builds an empty pool. Call Prewarm to populate MinInstances.
func New(cfg Config, limits types.Limits, logger *logging.Logger) *Pool {
	if cfg.MaxInstances < 1 {
		cfg.MaxInstances = 1
	}
	return &Pool{
		cfg:       cfg,
		limits:    limits,
		sem:       semaphore.NewWeighted(int64(cfg.MaxInstances)),
		logger:    logger,
		active:    make(map[id.InstanceID]*instance.Instance),
		suspended: make(map[string]suspendedEntry),
	}
}

// Acquire blocks on a permit, then hands out the most recently used idle
// instance, constructing a fresh one only when the queue is empty.
func (p *Pool) Acquire(ctx context.Context) (*instance.Instance, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("acquire instance permit: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		p.sem.Release(1)
		return nil, ErrClosed
	}

	var inst *instance.Instance
	if n := len(p.available); n > 0 {
		inst = p.available[n-1]
		p.available = p.available[:n-1]
	} else {
		inst = instance.New(p.limits)
		p.created++
		p.logger.Debug("created instance", zap.String("instance_id", inst.ID().String()))
	}
	p.active[inst.ID()] = inst
	return inst, nil
}

// Release routes an instance by its post-execution state: suspended
// instances move to the suspended map keeping their permit, terminated ones
// are dropped, everything else is reset and queued for reuse.
func (p *Pool) Release(inst *instance.Instance) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.active, inst.ID())

	switch inst.State() {
	case instance.StateSuspended:
		p.suspended[inst.SuspensionID()] = suspendedEntry{inst: inst, at: inst.SuspendedAt()}
		return

	case instance.StateTerminated:
		p.sem.Release(1)
		return

	default:
		if p.closed {
			inst.Terminate()
			p.sem.Release(1)
			return
		}
		if err := inst.Reset(); err != nil {
			p.logger.Warn("instance reset failed, discarding",
				zap.String("instance_id", inst.ID().String()), zap.Error(err))
			inst.Terminate()
			p.sem.Release(1)
			return
		}
		p.available = append(p.available, inst)
		p.sem.Release(1)
	}
}

// GetSuspended removes and returns the instance pinned under a suspension
// id. The id is one-shot: a second take fails.
func (p *Pool) GetSuspended(suspensionID string) (*instance.Instance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	entry, ok := p.suspended[suspensionID]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownSuspension, suspensionID)
	}
	delete(p.suspended, suspensionID)
	p.active[entry.inst.ID()] = entry.inst
	return entry.inst, nil
}

// Prewarm constructs idle instances up to MinInstances so first calls skip
// VM construction.
func (p *Pool) Prewarm() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	for len(p.available) < p.cfg.MinInstances {
		inst := instance.New(p.limits)
		p.created++
		p.available = append(p.available, inst)
	}
}

// CleanupStale terminates suspensions older than maxAge and releases their
// permits, freeing capacity leaked by callers that never resumed. Returns
// the number of instances reaped.
func (p *Pool) CleanupStale(maxAge time.Duration) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	reaped := 0
	for sid, entry := range p.suspended {
		if entry.at.Before(cutoff) {
			delete(p.suspended, sid)
			entry.inst.Terminate()
			p.sem.Release(1)
			reaped++
			p.logger.Info("reaped stale suspension",
				zap.String("suspension_id", sid),
				zap.String("instance_id", entry.inst.ID().String()))
		}
	}
	return reaped
}

// Stats snapshots the pool.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	var mem uint64
	for _, inst := range p.available {
		mem += inst.MemoryUsed()
	}
	for _, inst := range p.active {
		mem += inst.MemoryUsed()
	}
	for _, entry := range p.suspended {
		mem += entry.inst.MemoryUsed()
	}

	return Stats{
		Active:           len(p.active),
		Available:        len(p.available),
		Suspended:        len(p.suspended),
		TotalMemory:      mem,
		InstancesCreated: p.created,
	}
}

// Shutdown terminates every held instance. In-flight executions finish on
// their own; their Release finds the pool closed and discards them.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true

	for _, inst := range p.available {
		inst.Terminate()
	}
	p.available = nil

	for sid, entry := range p.suspended {
		entry.inst.Terminate()
		p.sem.Release(1)
		delete(p.suspended, sid)
	}
}
