package types

// Status is the terminal classification of one execute or resume step.
type Status string

const (
	StatusSuccess   Status = "success"
	StatusError     Status = "error"
	StatusSuspended Status = "suspended"
)

// Metrics records the cost of one invocation step.
type Metrics struct {
	DurationUS        uint64 `json:"duration_us"`
	MemoryUsedBytes   uint64 `json:"memory_used_bytes"`
	MemoryPeakBytes   uint64 `json:"memory_peak_bytes"`
	HostCalls         uint32 `json:"host_calls"`
	CompilationTimeUS uint64 `json:"compilation_time_us"`
	CacheHit          bool   `json:"cache_hit"`
}

// Result is the outcome of one execute or resume step.
//
// On success the side-effect lists hold everything buffered since the last
// suspension boundary. On suspension they hold the effects accumulated up
// to the pause, which the host applies immediately so observers do not lag
// behind long async work; effects applied at a suspension boundary are not
// retracted by a later error. On error every list is empty.
type Result struct {
	Status         Status          `json:"status"`
	ReturnValue    any             `json:"return_value,omitempty"`
	Error          *Error          `json:"error,omitempty"`
	StateMutations []StateMutation `json:"state_mutations"`
	Events         []EmittedEvent  `json:"events"`
	ViewCommands   []ViewCommand   `json:"view_commands"`
	Logs           []LogEntry      `json:"logs,omitempty"`
	Suspension     *Suspension     `json:"suspension,omitempty"`
	Metrics        Metrics         `json:"metrics"`
}

// SuccessResult builds a terminal success result.
func SuccessResult(returnValue any) *Result {
	return &Result{
		Status:         StatusSuccess,
		ReturnValue:    returnValue,
		StateMutations: []StateMutation{},
		Events:         []EmittedEvent{},
		ViewCommands:   []ViewCommand{},
	}
}

// ErrorResult builds a terminal error result with empty effect lists.
func ErrorResult(err *Error) *Result {
	return &Result{
		Status:         StatusError,
		Error:          err,
		StateMutations: []StateMutation{},
		Events:         []EmittedEvent{},
		ViewCommands:   []ViewCommand{},
	}
}

// SuspendedResult builds a suspended result carrying the effects drained at
// the suspension boundary.
func SuspendedResult(s *Suspension) *Result {
	return &Result{
		Status:         StatusSuspended,
		Suspension:     s,
		StateMutations: []StateMutation{},
		Events:         []EmittedEvent{},
		ViewCommands:   []ViewCommand{},
	}
}

// IsTerminal reports whether no resume can follow this result.
func (r *Result) IsTerminal() bool {
	return r.Status != StatusSuspended
}
