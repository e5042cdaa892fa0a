// Package hostcall implements the per-invocation execution context and the
// capability-gated host functions handlers call through their globals.
//
// A Context is created fresh for each logical invocation and owned
// exclusively by the instance executing it, including across a
// suspend/resume sequence. Side effects (state mutations, events, view
// commands, logs) are buffered here in strict call order and drained by the
// controller at each suspension boundary and at completion.
//
// Every host function follows the same discipline: count the call against
// the quota first, check the capability second, perform the side effect
// last. A quota or capability failure leaves the buffers untouched. The
// one exception is StateContains, which the VM invokes as part of the
// property assignment protocol and therefore bypasses both gate and quota.
package hostcall

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pulseboard/backend/internal/sandbox/capability"
	"github.com/pulseboard/backend/internal/sandbox/types"
)

// Context buffers the side effects of one handler invocation.
type Context struct {
	mu sync.Mutex

	panelID     string
	handlerName string

	checker  *capability.Checker
	snapshot map[string]any
	registry map[string][]string
	args     map[string]any
	scope    map[string]any
	limits   types.Limits

	mutations []types.StateMutation
	events    []types.EmittedEvent
	views     []types.ViewCommand
	logs      []types.LogEntry

	hostCalls  uint32
	suspension *types.Suspension
}

// Options tunes context construction.
type Options struct {
	// InferCapabilities applies static inference when the declared list is
	// empty. Advisory tooling only; off in production.
	InferCapabilities bool

	// Source is scanned when inference applies.
	Source string
}

// New builds the execution context for one invocation.
func New(c *types.Context, limits types.Limits, opts Options) *Context {
	declared := c.Capabilities
	var checker *capability.Checker
	if len(declared) == 0 && opts.InferCapabilities {
		checker = capability.NewCheckerFromTokens(capability.Infer(opts.Source))
	} else {
		checker = capability.NewChecker(declared)
	}

	return &Context{
		panelID:     c.PanelID,
		handlerName: c.HandlerName,
		checker:     checker,
		snapshot:    c.StateSnapshot,
		registry:    c.ExtensionRegistry,
		args:        c.Args,
		scope:       c.Scope,
		limits:      limits,
	}
}

// countCall enforces the host-call quota. Caller holds c.mu.
func (c *Context) countCall() *types.Error {
	c.hostCalls++
	if c.hostCalls > c.limits.MaxHostCalls {
		return types.ResourceLimitError("host call", c.limits.MaxHostCalls)
	}
	return nil
}

// StateGet reads a key from the immutable snapshot. Handlers never observe
// their own or concurrent invocations' writes mid-run. A write token for
// the key grants the read too: read-modify-write handlers declare only the
// write capability.
func (c *Context) StateGet(key string) (any, *types.Error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.countCall(); err != nil {
		return nil, err
	}
	if !c.checker.CanReadState(key) && !c.checker.CanWriteState(key) {
		return nil, types.PermissionDeniedError("state:read:" + key)
	}
	return c.snapshot[key], nil
}

// StateSet buffers a set mutation.
func (c *Context) StateSet(key string, value any) *types.Error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.countCall(); err != nil {
		return err
	}
	if !c.checker.CanWriteState(key) {
		return types.PermissionDeniedError("state:write:" + key)
	}
	if uint32(len(c.mutations)) >= c.limits.MaxStateMutations {
		return types.ResourceLimitError("state mutation", c.limits.MaxStateMutations)
	}
	c.mutations = append(c.mutations, types.StateMutation{Key: key, Value: value, Op: types.OpSet})
	return nil
}

// StateDelete buffers a delete mutation.
func (c *Context) StateDelete(key string) *types.Error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.countCall(); err != nil {
		return err
	}
	if !c.checker.CanWriteState(key) {
		return types.PermissionDeniedError("state:write:" + key)
	}
	if uint32(len(c.mutations)) >= c.limits.MaxStateMutations {
		return types.ResourceLimitError("state mutation", c.limits.MaxStateMutations)
	}
	c.mutations = append(c.mutations, types.StateMutation{Key: key, Op: types.OpDelete})
	return nil
}

// StateContains reports snapshot membership of a key. It is neither gated
// nor counted: goja consults the membership callback during every plain
// property assignment, so gating it would deny writes the write token
// permits and counting it would double-charge each assignment.
func (c *Context) StateContains(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.snapshot[key]
	return ok
}

// StateKeys enumerates snapshot keys. Enumeration reveals every key, so it
// requires the wildcard read token.
func (c *Context) StateKeys() ([]string, *types.Error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.countCall(); err != nil {
		return nil, err
	}
	if !c.checker.CanReadAllState() {
		return nil, types.PermissionDeniedError("state:read:*")
	}
	keys := make([]string, 0, len(c.snapshot))
	for k := range c.snapshot {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// EmitEvent buffers a named event.
func (c *Context) EmitEvent(name string, payload any) *types.Error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.countCall(); err != nil {
		return err
	}
	if !c.checker.CanEmitEvent(name) {
		return types.PermissionDeniedError("events:emit:" + name)
	}
	if uint32(len(c.events)) >= c.limits.MaxEvents {
		return types.ResourceLimitError("event", c.limits.MaxEvents)
	}
	c.events = append(c.events, types.EmittedEvent{Name: name, Payload: payload})
	return nil
}

// ViewCommand buffers a view manipulation targeting a component.
func (c *Context) ViewCommand(cmdType, componentID string, args map[string]any) *types.Error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.countCall(); err != nil {
		return err
	}
	if !c.checker.CanUpdateView(componentID) {
		return types.PermissionDeniedError("view:update:" + componentID)
	}
	c.views = append(c.views, types.ViewCommand{Type: cmdType, ComponentID: componentID, Args: args})
	return nil
}

// ExtSuspend validates an extension call against the registry snapshot and
// fills the suspension slot. The instance parks its interpreter stack once
// the slot is set.
func (c *Context) ExtSuspend(name, method string, args any) (*types.Suspension, *types.Error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.countCall(); err != nil {
		return nil, err
	}
	methods, ok := c.registry[name]
	if !ok {
		return nil, types.ExtensionNotFoundError(name)
	}
	found := false
	for _, m := range methods {
		if m == method {
			found = true
			break
		}
	}
	if !found {
		return nil, types.MethodNotFoundError(name, method)
	}
	if !c.checker.CanAccessExtension(name) {
		return nil, types.PermissionDeniedError("ext:" + name)
	}
	if c.suspension != nil {
		return nil, types.InternalError("suspension slot already occupied")
	}

	s := &types.Suspension{
		SuspensionID:  uuid.NewString(),
		ExtensionName: name,
		Method:        method,
		Args:          args,
	}
	c.suspension = s
	return s, nil
}

// Log buffers a handler log line. Logging needs no capability but still
// counts against the host-call quota.
func (c *Context) Log(level, message string) *types.Error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.countCall(); err != nil {
		return err
	}
	c.logs = append(c.logs, types.LogEntry{Level: level, Message: message, Timestamp: time.Now()})
	return nil
}

// HostCalls returns the calls counted so far.
func (c *Context) HostCalls() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hostCalls
}

// PanelID returns the invoking panel id.
func (c *Context) PanelID() string { return c.panelID }

// Args returns the invocation arguments bound as $args.
func (c *Context) Args() map[string]any { return c.args }

// Scope returns the panel scope values bound as $scope.
func (c *Context) Scope() map[string]any { return c.scope }

// HandlerName returns the invoked handler name.
func (c *Context) HandlerName() string { return c.handlerName }

// TakeSuspension empties and returns the suspension slot.
func (c *Context) TakeSuspension() *types.Suspension {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.suspension
	c.suspension = nil
	return s
}

// DrainEffects empties the side-effect buffers into the given result.
// Called at each suspension boundary and at terminal success, so a resumed
// run only ever reports effects accumulated since the previous drain.
func (c *Context) DrainEffects(r *types.Result) {
	c.mu.Lock()
	defer c.mu.Unlock()

	r.StateMutations = append(r.StateMutations, c.mutations...)
	r.Events = append(r.Events, c.events...)
	r.ViewCommands = append(r.ViewCommands, c.views...)
	r.Logs = append(r.Logs, c.logs...)

	c.mutations = nil
	c.events = nil
	c.views = nil
	c.logs = nil
}

// DrainLogs empties only the log buffer, for error results that discard
// effects but still surface diagnostics.
func (c *Context) DrainLogs() []types.LogEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	logs := c.logs
	c.logs = nil
	return logs
}

// DiscardEffects drops every buffered side effect.
func (c *Context) DiscardEffects() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mutations = nil
	c.events = nil
	c.views = nil
	c.logs = nil
}

// EffectsFootprint estimates the buffered effects' memory cost in bytes,
// used by the instance's memory accounting.
func (c *Context) EffectsFootprint() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	var total uint64
	for _, m := range c.mutations {
		total += 64 + uint64(len(m.Key)) + valueFootprint(m.Value)
	}
	for _, e := range c.events {
		total += 64 + uint64(len(e.Name)) + valueFootprint(e.Payload)
	}
	for _, v := range c.views {
		total += 64 + uint64(len(v.Type)) + uint64(len(v.ComponentID)) + valueFootprint(v.Args)
	}
	for _, l := range c.logs {
		total += 48 + uint64(len(l.Message))
	}
	return total
}

// valueFootprint is a shallow size estimate for exported handler values.
func valueFootprint(v any) uint64 {
	switch val := v.(type) {
	case nil:
		return 0
	case string:
		return uint64(len(val))
	case []any:
		var n uint64 = 24
		for _, item := range val {
			n += 16 + valueFootprint(item)
		}
		return n
	case map[string]any:
		var n uint64 = 48
		for k, item := range val {
			n += 32 + uint64(len(k)) + valueFootprint(item)
		}
		return n
	default:
		return 16
	}
}
