// Package types defines the data surface shared by the sandbox engine:
// invocation context, results, side-effect records, suspension descriptors,
// resource limits, per-call metrics, and the error taxonomy.
//
// Every failure the engine produces is represented as data in Result.Error;
// no exception and no Go error crosses the host/sandbox boundary. JSON tags
// are snake_case to match the host wire schema.
package types

import "time"

// Context carries everything a single handler invocation needs from the
// host: identity, the immutable state snapshot, arguments, the declared
// capability strings, panel scope values, and the extension registry
// snapshot (extension name to supported methods).
type Context struct {
	PanelID           string              `json:"panel_id"`
	HandlerName       string              `json:"handler_name"`
	StateSnapshot     map[string]any      `json:"state_snapshot"`
	Args              map[string]any      `json:"args"`
	Capabilities      []string            `json:"capabilities"`
	Scope             map[string]any      `json:"scope"`
	ExtensionRegistry map[string][]string `json:"extension_registry"`
}

// MutationOp discriminates state mutation records.
type MutationOp string

const (
	OpSet    MutationOp = "set"
	OpDelete MutationOp = "delete"
)

// StateMutation is one buffered state write, replayed by the host store
// after the invocation completes.
type StateMutation struct {
	Key   string     `json:"key"`
	Value any        `json:"value,omitempty"`
	Op    MutationOp `json:"op"`
}

// EmittedEvent is one buffered handler event.
type EmittedEvent struct {
	Name    string `json:"name"`
	Payload any    `json:"payload"`
}

// ViewCommand is one buffered view manipulation.
type ViewCommand struct {
	Type        string         `json:"type"`
	ComponentID string         `json:"component_id"`
	Args        map[string]any `json:"args,omitempty"`
}

// LogEntry is one handler log line, re-emitted on the host logger.
type LogEntry struct {
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"ts"`
}

// Suspension describes a paused execution awaiting external I/O. The
// suspension id is a one-shot token: it resolves to the pinned instance
// exactly once, on resume.
type Suspension struct {
	SuspensionID  string `json:"suspension_id"`
	ExtensionName string `json:"extension_name"`
	Method        string `json:"method"`
	Args          any    `json:"args"`
}

// AsyncResult is the host's answer to a suspension: either a value or an
// error message delivered back into the paused handler.
type AsyncResult struct {
	Success bool   `json:"success"`
	Value   any    `json:"value,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Limits bounds one invocation. Immutable once the engine is constructed.
type Limits struct {
	TimeoutMS         uint32 `json:"timeout_ms"`
	MemoryLimitBytes  uint64 `json:"memory_limit_bytes"`
	StackSizeBytes    uint64 `json:"stack_size_bytes"`
	MaxHostCalls      uint32 `json:"max_host_calls"`
	MaxStateMutations uint32 `json:"max_state_mutations"`
	MaxEvents         uint32 `json:"max_events"`
}

// DefaultLimits mirrors the engine's shipped configuration.
func DefaultLimits() Limits {
	return Limits{
		TimeoutMS:         5000,
		MemoryLimitBytes:  32 * 1024 * 1024,
		StackSizeBytes:    1024 * 1024,
		MaxHostCalls:      10000,
		MaxStateMutations: 1000,
		MaxEvents:         100,
	}
}
