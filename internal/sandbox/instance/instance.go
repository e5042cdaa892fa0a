// Package instance manages one sandboxed goja VM and its lifecycle.
//
// A handler executes on a dedicated VM goroutine. When it calls an
// extension through $ext, the host closure fills the suspension slot,
// signals the controller, and parks the goroutine on a channel with the
// interpreter stack intact. Resume delivers the async result into that
// channel; the handler continues as if the call had returned synchronously.
//
// Hard aborts (timeout, quota, capability, memory) interrupt the VM, which
// no JS try/catch can observe. An interrupted or terminated instance is
// never reused; a cleanly finished one is reset and returned to its pool.
package instance

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dop251/goja"

	"github.com/pulseboard/backend/internal/sandbox/compiler"
	"github.com/pulseboard/backend/internal/sandbox/hostcall"
	"github.com/pulseboard/backend/internal/sandbox/types"
	"github.com/pulseboard/backend/internal/shared/id"
)

// State is the instance lifecycle state.
type State int32

const (
	StateIdle State = iota
	StateExecuting
	StateSuspended
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateExecuting:
		return "executing"
	case StateSuspended:
		return "suspended"
	case StateTerminated:
		return "terminated"
	}
	return "unknown"
}

// vmBaselineBytes approximates an empty goja runtime's footprint. goja
// exposes no allocator hook, so memory accounting is an estimate: baseline
// plus program size plus the effect buffers.
const vmBaselineBytes = 256 * 1024

// errParked signals a goroutine unparked by termination, not by resume.
var errParked = errors.New("parked execution terminated")

type runOutcome struct {
	value any
	err   *types.Error
}

// Instance is one sandboxed VM. It is owned exclusively by the pool; only
// one invocation runs on it at a time.
type Instance struct {
	id     id.InstanceID
	limits types.Limits

	vm    *goja.Runtime
	state atomic.Int32

	memUsed atomic.Uint64
	memPeak atomic.Uint64

	// Per-invocation; recreated on each Execute.
	hctx      *hostcall.Context
	handler   *compiler.Handler
	suspendCh chan struct{}
	doneCh    chan runOutcome
	resumeCh  chan types.AsyncResult

	fatalMu sync.Mutex
	fatal   *types.Error

	terminateCh   chan struct{}
	terminateOnce sync.Once

	suspensionID string
	suspendedAt  time.Time
}

// New creates an idle instance with a fresh VM.
func New(limits types.Limits) *Instance {
	i := &Instance{
		id:          id.NewInstanceID(),
		limits:      limits,
		terminateCh: make(chan struct{}),
	}
	i.vm = i.newVM()
	i.memUsed.Store(vmBaselineBytes)
	i.memPeak.Store(vmBaselineBytes)
	return i
}

func (i *Instance) newVM() *goja.Runtime {
	vm := goja.New()
	frames := int(i.limits.StackSizeBytes / 1024)
	if frames < 64 {
		frames = 64
	}
	vm.SetMaxCallStackSize(frames)
	return vm
}

// ID returns the instance id.
func (i *Instance) ID() id.InstanceID { return i.id }

// State returns the lifecycle state.
func (i *Instance) State() State { return State(i.state.Load()) }

func (i *Instance) setState(s State) { i.state.Store(int32(s)) }

// SuspensionID returns the pending suspension id, if suspended.
func (i *Instance) SuspensionID() string { return i.suspensionID }

// SuspendedAt returns when the current suspension began.
func (i *Instance) SuspendedAt() time.Time { return i.suspendedAt }

// HostContext returns the execution context of the in-flight invocation,
// or nil between invocations. The context stays attached across a whole
// suspend/resume sequence.
func (i *Instance) HostContext() *hostcall.Context { return i.hctx }

// MemoryUsed returns the current estimated footprint in bytes.
func (i *Instance) MemoryUsed() uint64 { return i.memUsed.Load() }

// MemoryPeak returns the peak estimated footprint in bytes.
func (i *Instance) MemoryPeak() uint64 { return i.memPeak.Load() }

// setFatal records the first fatal error and interrupts the VM. The
// interrupt fires at the next JS instruction and cannot be caught.
func (i *Instance) setFatal(err *types.Error) {
	i.fatalMu.Lock()
	if i.fatal == nil {
		i.fatal = err
	}
	i.fatalMu.Unlock()
	i.vm.Interrupt(err)
}

func (i *Instance) takeFatal() *types.Error {
	i.fatalMu.Lock()
	defer i.fatalMu.Unlock()
	err := i.fatal
	i.fatal = nil
	return err
}

// Execute runs a compiled handler against a fresh execution context. The
// returned result is terminal or suspended; ctx bounds the wall clock for
// this step. timeoutMS is reported in the timeout error.
func (i *Instance) Execute(ctx context.Context, h *compiler.Handler, hc *hostcall.Context, timeoutMS uint32) *types.Result {
	if i.State() != StateIdle {
		return types.ErrorResult(types.InternalError(
			fmt.Sprintf("instance %s is %s, not idle", i.id, i.State())))
	}
	i.setState(StateExecuting)
	i.hctx = hc
	i.handler = h
	i.suspendCh = make(chan struct{}, 1)
	i.doneCh = make(chan runOutcome, 1)
	i.resumeCh = make(chan types.AsyncResult)
	i.suspensionID = ""

	go func() {
		i.doneCh <- i.run(h)
	}()

	return i.await(ctx, timeoutMS)
}

// Resume delivers the async result into the parked goroutine and waits for
// the next suspension or terminal outcome.
func (i *Instance) Resume(ctx context.Context, result types.AsyncResult, timeoutMS uint32) *types.Result {
	if i.State() != StateSuspended {
		return types.ErrorResult(types.InternalError(
			fmt.Sprintf("instance %s is %s, not suspended", i.id, i.State())))
	}
	i.setState(StateExecuting)
	i.suspensionID = ""

	select {
	case i.resumeCh <- result:
	case <-i.terminateCh:
		return types.ErrorResult(types.InternalError("instance terminated before resume"))
	}

	return i.await(ctx, timeoutMS)
}

// await is the controller side of one execution step.
func (i *Instance) await(ctx context.Context, timeoutMS uint32) *types.Result {
	select {
	case <-i.suspendCh:
		s := i.hctx.TakeSuspension()
		if s == nil {
			return i.failStep(types.InternalError("suspension signalled without descriptor"))
		}
		i.setState(StateSuspended)
		i.suspensionID = s.SuspensionID
		i.suspendedAt = time.Now()
		i.accountMemory()

		r := types.SuspendedResult(s)
		i.hctx.DrainEffects(r)
		return r

	case out := <-i.doneCh:
		i.accountMemory()
		if out.err != nil {
			return i.failStep(out.err)
		}
		if used := i.MemoryUsed(); used > i.limits.MemoryLimitBytes {
			i.Terminate()
			return i.failStep(types.MemoryLimitError(used, i.limits.MemoryLimitBytes))
		}
		i.setState(StateIdle)
		r := types.SuccessResult(out.value)
		i.hctx.DrainEffects(r)
		return r

	case <-ctx.Done():
		// A forcibly aborted VM has indeterminate internal state; the
		// instance is discarded, never resumed.
		i.setFatal(types.TimeoutError(timeoutMS))
		i.Terminate()
		out := <-i.doneCh
		i.accountMemory()
		err := out.err
		if err == nil || err.Code != types.CodeTimeout {
			err = types.TimeoutError(timeoutMS)
		}
		return i.failStep(err)
	}
}

// failStep builds the terminal error result. All buffered effects are
// discarded on a non-success status; logs alone survive for diagnostics.
func (i *Instance) failStep(err *types.Error) *types.Result {
	r := types.ErrorResult(err)
	if i.hctx != nil {
		r.Logs = i.hctx.DrainLogs()
		i.hctx.DiscardEffects()
	}
	if isFatalCode(err.Code) {
		i.Terminate()
	} else if i.State() != StateTerminated {
		i.setState(StateIdle)
	}
	return r
}

// isFatalCode reports codes produced by interrupting the VM mid-flight.
func isFatalCode(code types.ErrorCode) bool {
	switch code {
	case types.CodeTimeout, types.CodeResourceLimit, types.CodeMemoryLimit,
		types.CodePermissionDenied, types.CodeExtensionNotFound,
		types.CodeMethodNotFound, types.CodeInternalError:
		return true
	}
	return false
}

// run executes the wrapper program and calls it with the bound globals.
// It runs on the dedicated VM goroutine and returns the terminal outcome.
func (i *Instance) run(h *compiler.Handler) (out runOutcome) {
	defer func() {
		if r := recover(); r != nil {
			if r == errParked {
				err := i.takeFatal()
				if err == nil {
					err = types.InternalError("execution terminated while suspended")
				}
				out = runOutcome{err: err}
				return
			}
			out = runOutcome{err: types.InternalError(fmt.Sprintf("vm panic: %v", r))}
		}
	}()

	v, err := i.vm.RunProgram(h.Program)
	if err != nil {
		return runOutcome{err: i.classify(err)}
	}
	fn, ok := goja.AssertFunction(v)
	if !ok {
		return runOutcome{err: types.InternalError("wrapper did not evaluate to a function")}
	}

	ret, err := fn(goja.Undefined(), i.bindGlobals()...)
	if err != nil {
		return runOutcome{err: i.classify(err)}
	}
	return runOutcome{value: ret.Export()}
}

// classify converts a goja error into the engine taxonomy.
func (i *Instance) classify(err error) *types.Error {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		if fatal := i.takeFatal(); fatal != nil {
			return fatal
		}
		return types.InternalError("execution interrupted")
	}

	var stackOverflow *goja.StackOverflowError
	if errors.As(err, &stackOverflow) {
		return types.ResourceLimitError("call stack", uint32(i.limits.StackSizeBytes/1024))
	}

	var exception *goja.Exception
	if errors.As(err, &exception) {
		return i.mapException(exception)
	}

	return types.InternalError(err.Error())
}

var stackLocRe = regexp.MustCompile(`handler_[0-9a-f]+\.js:(\d+):(\d+)`)

// mapException turns an uncaught JS exception into an execution error with
// the location mapped back to handler source lines.
func (i *Instance) mapException(ex *goja.Exception) *types.Error {
	msg := ex.Value().String()
	stack := ex.String()
	eerr := types.ExecutionError(msg, stack)

	if i.handler == nil {
		return eerr
	}
	if m := stackLocRe.FindStringSubmatch(stack); m != nil {
		line, _ := strconv.Atoi(m[1])
		col, _ := strconv.Atoi(m[2])
		line -= 2 // wrapper prologue lines
		if line >= 1 {
			eerr.WithLocation(&types.Location{
				Line:    line,
				Column:  col,
				Snippet: compiler.SnippetAt(i.handler.Source, line),
			})
		}
	}
	return eerr
}

// accountMemory refreshes the footprint estimate.
func (i *Instance) accountMemory() {
	used := uint64(vmBaselineBytes)
	if i.handler != nil {
		used += i.handler.Size
	}
	if i.hctx != nil {
		used += i.hctx.EffectsFootprint()
	}
	i.memUsed.Store(used)
	for {
		peak := i.memPeak.Load()
		if used <= peak || i.memPeak.CompareAndSwap(peak, used) {
			break
		}
	}
}

// Reset rebuilds the VM for reuse, clearing every instance-local global
// while keeping the id and memory counters. Only an idle instance resets.
func (i *Instance) Reset() error {
	if i.State() != StateIdle {
		return fmt.Errorf("cannot reset instance %s in state %s", i.id, i.State())
	}
	i.vm = i.newVM()
	i.hctx = nil
	i.handler = nil
	i.suspensionID = ""
	i.fatalMu.Lock()
	i.fatal = nil
	i.fatalMu.Unlock()
	i.memUsed.Store(vmBaselineBytes)
	return nil
}

// Terminate retires the instance. A goroutine parked in a suspension is
// unblocked and unwinds; the instance never executes again.
func (i *Instance) Terminate() {
	i.setState(StateTerminated)
	i.terminateOnce.Do(func() {
		close(i.terminateCh)
	})
}
