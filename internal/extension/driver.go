package extension

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/pulseboard/backend/internal/logging"
	"github.com/pulseboard/backend/internal/sandbox/engine"
	"github.com/pulseboard/backend/internal/sandbox/types"
)

// maxSteps bounds the suspend/resume loop per logical invocation; a
// handler chaining more extension calls than this is runaway.
const maxSteps = 64

// EffectSink observes each step's result so intermediate effects can be
// applied immediately, before async I/O completes.
type EffectSink func(*types.Result)

// Driver runs the full invocation loop on behalf of the host API:
// execute, then for each suspension perform the named I/O and resume,
// until a terminal result.
type Driver struct {
	engine   *engine.Engine
	registry *Registry
	logger   *logging.Logger
}

// NewDriver wires a driver.
func NewDriver(e *engine.Engine, r *Registry, logger *logging.Logger) *Driver {
	return &Driver{engine: e, registry: r, logger: logger}
}

// Registry returns the driver's extension registry.
func (d *Driver) Registry() *Registry { return d.registry }

// Run executes handler source to a terminal result. When wctx carries no
// extension registry snapshot, the live registry's snapshot is injected.
// sink may be nil.
func (d *Driver) Run(ctx context.Context, source string, wctx *types.Context, timeoutMS uint32, sink EffectSink) (*types.Result, error) {
	if wctx.ExtensionRegistry == nil {
		wctx.ExtensionRegistry = d.registry.Snapshot()
	}

	r, err := d.engine.Execute(ctx, source, wctx, timeoutMS)
	if err != nil {
		return nil, err
	}
	return d.drive(ctx, r, sink)
}

// RunCompiled is Run for a precompiled handler addressed by content hash.
func (d *Driver) RunCompiled(ctx context.Context, hash string, wctx *types.Context, timeoutMS uint32, sink EffectSink) (*types.Result, error) {
	if wctx.ExtensionRegistry == nil {
		wctx.ExtensionRegistry = d.registry.Snapshot()
	}

	r, err := d.engine.ExecuteCompiled(ctx, hash, wctx, timeoutMS)
	if err != nil {
		return nil, err
	}
	return d.drive(ctx, r, sink)
}

// drive loops suspensions to a terminal result.
func (d *Driver) drive(ctx context.Context, r *types.Result, sink EffectSink) (*types.Result, error) {
	for step := 0; ; step++ {
		if sink != nil {
			sink(r)
		}
		if r.IsTerminal() {
			return r, nil
		}
		if step >= maxSteps {
			return nil, fmt.Errorf("handler exceeded %d suspension steps", maxSteps)
		}

		s := r.Suspension
		d.logger.Debug("invoking extension",
			zap.String("extension", s.ExtensionName),
			zap.String("method", s.Method),
			zap.String("suspension_id", s.SuspensionID))

		async := d.registry.Invoke(ctx, s)
		next, err := d.engine.Resume(ctx, s.SuspensionID, async)
		if err != nil {
			return nil, err
		}
		r = next
	}
}
