package types

import "fmt"

// ErrorCode classifies engine failures.
type ErrorCode string

const (
	CodeTimeout           ErrorCode = "TIMEOUT"
	CodeResourceLimit     ErrorCode = "RESOURCE_LIMIT"
	CodeMemoryLimit       ErrorCode = "MEMORY_LIMIT"
	CodePermissionDenied  ErrorCode = "PERMISSION_DENIED"
	CodeCompileError      ErrorCode = "COMPILE_ERROR"
	CodeExecutionError    ErrorCode = "EXECUTION_ERROR"
	CodeExtensionNotFound ErrorCode = "EXTENSION_NOT_FOUND"
	CodeMethodNotFound    ErrorCode = "METHOD_NOT_FOUND"
	CodeInternalError     ErrorCode = "INTERNAL_ERROR"
)

// Location points into handler source for diagnostics.
type Location struct {
	Line    int    `json:"line"`
	Column  int    `json:"column"`
	Snippet string `json:"snippet,omitempty"`
}

// Error is the data form of every engine failure. It never wraps a live Go
// error across the sandbox boundary.
type Error struct {
	Code     ErrorCode      `json:"code"`
	Message  string         `json:"message"`
	Stack    string         `json:"stack,omitempty"`
	Location *Location      `json:"location,omitempty"`
	Details  map[string]any `json:"details,omitempty"`
}

// Error implements the error interface for host-side logging.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// WithLocation attaches a source location.
func (e *Error) WithLocation(loc *Location) *Error {
	e.Location = loc
	return e
}

// WithDetail attaches one structured detail field.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// TimeoutError reports a handler exceeding its wall-clock budget.
func TimeoutError(timeoutMS uint32) *Error {
	return &Error{
		Code:    CodeTimeout,
		Message: fmt.Sprintf("handler exceeded timeout of %dms", timeoutMS),
	}
}

// ResourceLimitError reports a quota violation (host calls, mutations,
// events).
func ResourceLimitError(resource string, limit uint32) *Error {
	return &Error{
		Code:    CodeResourceLimit,
		Message: fmt.Sprintf("exceeded %s limit of %d", resource, limit),
	}
}

// MemoryLimitError reports estimated memory above the configured cap.
func MemoryLimitError(used, limit uint64) *Error {
	return &Error{
		Code:    CodeMemoryLimit,
		Message: fmt.Sprintf("memory use %d exceeds limit of %d bytes", used, limit),
	}
}

// PermissionDeniedError reports a missing capability.
func PermissionDeniedError(required string) *Error {
	return &Error{
		Code:    CodePermissionDenied,
		Message: fmt.Sprintf("missing capability %q", required),
	}
}

// CompileError reports a source compilation failure.
func CompileError(msg string) *Error {
	return &Error{Code: CodeCompileError, Message: msg}
}

// ExecutionError reports an uncaught handler exception.
func ExecutionError(msg, stack string) *Error {
	return &Error{Code: CodeExecutionError, Message: msg, Stack: stack}
}

// ExtensionNotFoundError reports an extension absent from the registry
// snapshot.
func ExtensionNotFoundError(name string) *Error {
	return &Error{
		Code:    CodeExtensionNotFound,
		Message: fmt.Sprintf("unknown extension %q", name),
	}
}

// MethodNotFoundError reports a method the extension does not expose.
func MethodNotFoundError(extension, method string) *Error {
	return &Error{
		Code:    CodeMethodNotFound,
		Message: fmt.Sprintf("extension %q has no method %q", extension, method),
	}
}

// InternalError reports an engine-side fault.
func InternalError(msg string) *Error {
	return &Error{Code: CodeInternalError, Message: msg}
}
