package instance

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dop251/goja"

	"github.com/pulseboard/backend/internal/sandbox/types"
)

// bindGlobals builds the wrapper arguments in declaration order:
// $state, $args, $scope, $emit, $view, $ext, $log, $toast.
func (i *Instance) bindGlobals() []goja.Value {
	return []goja.Value{
		i.vm.NewDynamicObject(&stateObject{inst: i}),
		i.vm.ToValue(orEmpty(i.hctx.Args())),
		i.vm.ToValue(orEmpty(i.hctx.Scope())),
		i.vm.ToValue(i.emitFunc()),
		i.viewObject(),
		i.vm.NewDynamicObject(&extObject{inst: i}),
		i.logObject(),
		i.vm.ToValue(i.toastFunc()),
	}
}

// abort records a fatal host-call error and interrupts the VM. The host
// closure returns normally; the interpreter aborts at its next instruction.
func (i *Instance) abort(err *types.Error) {
	i.setFatal(err)
}

// stateObject routes plain property access on $state through the gated
// host calls. Reads come from the immutable snapshot only; writes and
// deletes are buffered mutations.
type stateObject struct {
	inst *Instance
}

func (s *stateObject) Get(key string) goja.Value {
	v, herr := s.inst.hctx.StateGet(key)
	if herr != nil {
		s.inst.abort(herr)
		return goja.Undefined()
	}
	return s.inst.vm.ToValue(v)
}

func (s *stateObject) Set(key string, val goja.Value) bool {
	if herr := s.inst.hctx.StateSet(key, val.Export()); herr != nil {
		s.inst.abort(herr)
	}
	return true
}

// Has answers snapshot membership without a capability check or quota
// charge: goja calls it on every plain assignment before routing to Set,
// so gating it here would tax writes that only hold the write token.
func (s *stateObject) Has(key string) bool {
	return s.inst.hctx.StateContains(key)
}

func (s *stateObject) Delete(key string) bool {
	if herr := s.inst.hctx.StateDelete(key); herr != nil {
		s.inst.abort(herr)
	}
	return true
}

func (s *stateObject) Keys() []string {
	keys, herr := s.inst.hctx.StateKeys()
	if herr != nil {
		s.inst.abort(herr)
		return nil
	}
	return keys
}

// emitFunc implements $emit(name, payload).
func (i *Instance) emitFunc() func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		name := call.Argument(0).String()
		payload := call.Argument(1).Export()
		if herr := i.hctx.EmitEvent(name, payload); herr != nil {
			i.abort(herr)
		}
		return goja.Undefined()
	}
}

// toastFunc implements the $toast(message, type) convenience, an emit of
// the "toast" event.
func (i *Instance) toastFunc() func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		message := call.Argument(0).String()
		kind := "info"
		if t := call.Argument(1); !goja.IsUndefined(t) {
			kind = t.String()
		}
		payload := map[string]any{"message": message, "type": kind}
		if herr := i.hctx.EmitEvent("toast", payload); herr != nil {
			i.abort(herr)
		}
		return goja.Undefined()
	}
}

// viewObject exposes $view.setFilter / scrollTo / focus / command.
func (i *Instance) viewObject() goja.Value {
	obj := i.vm.NewObject()

	command := func(cmdType string) func(goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			componentID := call.Argument(0).String()
			args := exportArgs(call.Argument(1))
			if herr := i.hctx.ViewCommand(cmdType, componentID, args); herr != nil {
				i.abort(herr)
			}
			return goja.Undefined()
		}
	}

	obj.Set("setFilter", command("setFilter"))
	obj.Set("scrollTo", command("scrollTo"))
	obj.Set("focus", command("focus"))
	obj.Set("command", func(call goja.FunctionCall) goja.Value {
		cmdType := call.Argument(0).String()
		componentID := call.Argument(1).String()
		args := exportArgs(call.Argument(2))
		if herr := i.hctx.ViewCommand(cmdType, componentID, args); herr != nil {
			i.abort(herr)
		}
		return goja.Undefined()
	})
	return obj
}

// logObject exposes $log.debug/info/warn/error.
func (i *Instance) logObject() goja.Value {
	obj := i.vm.NewObject()
	for _, level := range []string{"debug", "info", "warn", "error"} {
		lvl := level
		obj.Set(lvl, func(call goja.FunctionCall) goja.Value {
			parts := make([]any, len(call.Arguments))
			for n, a := range call.Arguments {
				parts[n] = a.Export()
			}
			if herr := i.hctx.Log(lvl, strings.TrimSuffix(fmt.Sprintln(parts...), "\n")); herr != nil {
				i.abort(herr)
			}
			return goja.Undefined()
		})
	}
	return obj
}

// extObject resolves $ext.<name> to a method table. Any name resolves; the
// registry snapshot is consulted inside the host call so unknown extensions
// surface as EXTENSION_NOT_FOUND rather than a TypeError.
type extObject struct {
	inst *Instance
}

func (e *extObject) Get(name string) goja.Value {
	return e.inst.vm.NewDynamicObject(&extMethods{inst: e.inst, ext: name})
}

func (e *extObject) Set(string, goja.Value) bool { return false }
func (e *extObject) Has(string) bool             { return true }
func (e *extObject) Delete(string) bool          { return false }
func (e *extObject) Keys() []string              { return nil }

type extMethods struct {
	inst *Instance
	ext  string
}

func (e *extMethods) Get(method string) goja.Value {
	return e.inst.vm.ToValue(e.inst.suspendFunc(e.ext, method))
}

func (e *extMethods) Set(string, goja.Value) bool { return false }
func (e *extMethods) Has(string) bool             { return true }
func (e *extMethods) Delete(string) bool          { return false }
func (e *extMethods) Keys() []string              { return nil }

// suspendFunc is the park point. It validates the extension call, signals
// the controller, and blocks the VM goroutine until resume or termination.
// A failed async result is raised as a catchable JS exception; retrying is
// the handler's business.
func (i *Instance) suspendFunc(ext, method string) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		args := call.Argument(0).Export()

		if _, herr := i.hctx.ExtSuspend(ext, method, args); herr != nil {
			i.abort(herr)
			return goja.Undefined()
		}

		i.suspendCh <- struct{}{}

		select {
		case result := <-i.resumeCh:
			if result.Success {
				return i.vm.ToValue(result.Value)
			}
			panic(i.vm.NewGoError(errors.New(result.Error)))
		case <-i.terminateCh:
			panic(errParked)
		}
	}
}

// orEmpty substitutes an empty map so handlers can always dereference
// $args and $scope.
func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// exportArgs exports an optional object argument as a string map.
func exportArgs(v goja.Value) map[string]any {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil
	}
	if m, ok := v.Export().(map[string]any); ok {
		return m
	}
	return map[string]any{"value": v.Export()}
}
