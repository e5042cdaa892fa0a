package extension

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulseboard/backend/internal/logging"
	"github.com/pulseboard/backend/internal/sandbox/engine"
	"github.com/pulseboard/backend/internal/sandbox/pool"
	"github.com/pulseboard/backend/internal/sandbox/types"
)

func TestRegistrySnapshot(t *testing.T) {
	r := NewRegistry()
	r.Register(NewKVProvider())
	r.Register(NewClockProvider())

	snap := r.Snapshot()
	assert.Equal(t, []string{"delete", "get", "keys", "set"}, snap["kv"])
	assert.Equal(t, []string{"now", "sleep"}, snap["clock"])
}

func TestRegistryInvokeUnknownExtension(t *testing.T) {
	r := NewRegistry()
	res := r.Invoke(context.Background(), &types.Suspension{ExtensionName: "ftp", Method: "get"})
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "not registered")
}

func TestKVProvider(t *testing.T) {
	p := NewKVProvider()
	ctx := context.Background()

	_, err := p.Invoke(ctx, "set", map[string]any{"key": "a", "value": int64(1)})
	require.NoError(t, err)

	v, err := p.Invoke(ctx, "get", map[string]any{"key": "a"})
	require.NoError(t, err)
	assert.EqualValues(t, 1, v)

	keys, err := p.Invoke(ctx, "keys", nil)
	require.NoError(t, err)
	assert.Equal(t, []any{"a"}, keys)

	_, err = p.Invoke(ctx, "delete", map[string]any{"key": "a"})
	require.NoError(t, err)
	v, err = p.Invoke(ctx, "get", map[string]any{"key": "a"})
	require.NoError(t, err)
	assert.Nil(t, v)

	_, err = p.Invoke(ctx, "get", nil)
	assert.Error(t, err)
}

func TestClockProvider(t *testing.T) {
	p := NewClockProvider()
	ctx := context.Background()

	v, err := p.Invoke(ctx, "now", nil)
	require.NoError(t, err)
	assert.InDelta(t, time.Now().UnixMilli(), v.(int64), 1000)

	start := time.Now()
	_, err = p.Invoke(ctx, "sleep", map[string]any{"ms": int64(20)})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)

	_, err = p.Invoke(ctx, "sleep", map[string]any{"ms": int64(-1)})
	assert.Error(t, err)
}

func TestHTTPProvider(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "1", r.URL.Query().Get("page"))
		assert.Equal(t, "yes", r.Header.Get("X-Test"))
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	p := NewHTTPProvider(5 * time.Second)
	v, err := p.Invoke(context.Background(), "get", map[string]any{
		"url":     srv.URL,
		"query":   map[string]any{"page": int64(1)},
		"headers": map[string]any{"X-Test": "yes"},
	})
	require.NoError(t, err)

	resp := v.(map[string]any)
	assert.EqualValues(t, 200, resp["status"])
	assert.Contains(t, resp["body"], `"ok":true`)

	_, err = p.Invoke(context.Background(), "get", map[string]any{})
	assert.Error(t, err)
}

func newDriver(t *testing.T) *Driver {
	t.Helper()
	cfg := engine.DefaultConfig()
	cfg.Pool = pool.Config{MaxInstances: 2, MinInstances: 0}
	cfg.CleanupInterval = 0
	e := engine.New(cfg, logging.NewDefault())
	t.Cleanup(e.Shutdown)

	r := NewRegistry()
	r.Register(NewKVProvider())
	r.Register(NewClockProvider())
	return NewDriver(e, r, logging.NewDefault())
}

func TestDriverRunsToTerminal(t *testing.T) {
	d := newDriver(t)
	source := `
		$ext.kv.set({key: 'greeting', value: 'hello'});
		const v = $ext.kv.get({key: 'greeting'});
		$state.loaded = v;
		return v;
	`
	wctx := &types.Context{
		PanelID:      "p",
		HandlerName:  "load",
		Capabilities: []string{"ext:kv", "state:write:loaded"},
	}

	var steps []types.Status
	r, err := d.Run(context.Background(), source, wctx, 0, func(r *types.Result) {
		steps = append(steps, r.Status)
	})
	require.NoError(t, err)
	require.Equal(t, types.StatusSuccess, r.Status, "%+v", r.Error)
	assert.Equal(t, "hello", r.ReturnValue)
	require.Len(t, r.StateMutations, 1)
	assert.Equal(t, "hello", r.StateMutations[0].Value)

	// Two suspensions, then the terminal step.
	assert.Equal(t, []types.Status{types.StatusSuspended, types.StatusSuspended, types.StatusSuccess}, steps)
}

func TestDriverDeliversProviderErrors(t *testing.T) {
	d := newDriver(t)
	source := `
		try {
			$ext.kv.get({});
			return 'no error';
		} catch (e) {
			return 'failed: ' + e.message;
		}
	`
	wctx := &types.Context{Capabilities: []string{"ext:kv"}}

	r, err := d.Run(context.Background(), source, wctx, 0, nil)
	require.NoError(t, err)
	require.Equal(t, types.StatusSuccess, r.Status)
	assert.Contains(t, r.ReturnValue, "failed:")
	assert.Contains(t, r.ReturnValue, "missing key")
}
