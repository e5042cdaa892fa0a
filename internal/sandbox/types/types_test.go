package types

import (
	"testing"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorConstructors(t *testing.T) {
	e := TimeoutError(5000)
	assert.Equal(t, CodeTimeout, e.Code)
	assert.Contains(t, e.Message, "5000ms")

	e = ResourceLimitError("host call", 10000)
	assert.Equal(t, CodeResourceLimit, e.Code)

	e = PermissionDeniedError("state:write:count")
	assert.Equal(t, CodePermissionDenied, e.Code)
	assert.Contains(t, e.Message, `"state:write:count"`)

	e = MethodNotFoundError("http", "teleport")
	assert.Equal(t, CodeMethodNotFound, e.Code)
	assert.Contains(t, e.Error(), "METHOD_NOT_FOUND")
}

func TestErrorDetails(t *testing.T) {
	e := CompileError("unexpected token").
		WithLocation(&Location{Line: 3, Column: 7, Snippet: "let = 1"}).
		WithDetail("phase", "parse")

	assert.Equal(t, 3, e.Location.Line)
	assert.Equal(t, "parse", e.Details["phase"])
}

func TestResultConstructors(t *testing.T) {
	r := SuccessResult(int64(42))
	assert.Equal(t, StatusSuccess, r.Status)
	assert.True(t, r.IsTerminal())
	assert.NotNil(t, r.StateMutations)
	assert.Empty(t, r.StateMutations)

	r = ErrorResult(TimeoutError(100))
	assert.Equal(t, StatusError, r.Status)
	assert.True(t, r.IsTerminal())
	assert.Empty(t, r.Events)

	r = SuspendedResult(&Suspension{SuspensionID: "abc", ExtensionName: "http", Method: "get"})
	assert.Equal(t, StatusSuspended, r.Status)
	assert.False(t, r.IsTerminal())
}

func TestResultWireSchema(t *testing.T) {
	r := SuccessResult("ok")
	r.StateMutations = append(r.StateMutations, StateMutation{Key: "count", Value: 6, Op: OpSet})

	data, err := sonic.Marshal(r)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, sonic.Unmarshal(data, &decoded))
	assert.Equal(t, "success", decoded["status"])
	assert.Equal(t, "ok", decoded["return_value"])

	muts, ok := decoded["state_mutations"].([]any)
	require.True(t, ok)
	require.Len(t, muts, 1)
	mut := muts[0].(map[string]any)
	assert.Equal(t, "count", mut["key"])
	assert.Equal(t, "set", mut["op"])
}

func TestDefaultLimits(t *testing.T) {
	l := DefaultLimits()
	assert.EqualValues(t, 5000, l.TimeoutMS)
	assert.EqualValues(t, 32*1024*1024, l.MemoryLimitBytes)
	assert.EqualValues(t, 10000, l.MaxHostCalls)
	assert.EqualValues(t, 1000, l.MaxStateMutations)
	assert.EqualValues(t, 100, l.MaxEvents)
}
