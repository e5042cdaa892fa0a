package server

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulseboard/backend/internal/config"
	"github.com/pulseboard/backend/internal/logging"
	"github.com/pulseboard/backend/internal/sandbox/types"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	m.Run()
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := config.Default()
	cfg.Pool.MaxInstances = 4
	cfg.Pool.MinInstances = 0
	cfg.RateLimit.Enabled = false
	cfg.Engine.CleanupInterval = 0

	s := New(cfg, logging.NewDefault())
	t.Cleanup(s.Close)
	return s
}

func doJSON(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := sonic.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

func decodeResult(t *testing.T, w *httptest.ResponseRecorder) *types.Result {
	t.Helper()
	var r types.Result
	require.NoError(t, sonic.Unmarshal(w.Body.Bytes(), &r))
	return &r
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	w := doJSON(t, s, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "healthy")
}

func TestExecuteCounter(t *testing.T) {
	s := newTestServer(t)
	w := doJSON(t, s, http.MethodPost, "/v1/handlers/execute", ExecuteRequest{
		Source: "$state.count = ($state.count || 0) + 1; return $state.count;",
		Context: types.Context{
			PanelID:       "p1",
			HandlerName:   "increment",
			StateSnapshot: map[string]any{"count": 5},
			Capabilities:  []string{"state:read:count", "state:write:count"},
		},
	})
	require.Equal(t, http.StatusOK, w.Code)

	r := decodeResult(t, w)
	require.Equal(t, types.StatusSuccess, r.Status, "%+v", r.Error)
	assert.EqualValues(t, 6, r.ReturnValue)
	require.Len(t, r.StateMutations, 1)
	assert.Equal(t, "count", r.StateMutations[0].Key)
	assert.EqualValues(t, 6, r.StateMutations[0].Value)
	assert.Equal(t, types.OpSet, r.StateMutations[0].Op)
}

func TestExecutePermissionDenied(t *testing.T) {
	s := newTestServer(t)
	w := doJSON(t, s, http.MethodPost, "/v1/handlers/execute", ExecuteRequest{
		Source:  "$state.count = 1;",
		Context: types.Context{PanelID: "p1", HandlerName: "write"},
	})
	require.Equal(t, http.StatusOK, w.Code)

	r := decodeResult(t, w)
	require.Equal(t, types.StatusError, r.Status)
	require.NotNil(t, r.Error)
	assert.Equal(t, types.CodePermissionDenied, r.Error.Code)
	assert.Empty(t, r.StateMutations)
}

func TestExecuteRequiresSourceOrHash(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, http.MethodPost, "/v1/handlers/execute", ExecuteRequest{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, s, http.MethodPost, "/v1/handlers/execute", ExecuteRequest{
		Source: "return 1;",
		Hash:   "abc",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestExecuteDrivesExtensions(t *testing.T) {
	s := newTestServer(t)
	w := doJSON(t, s, http.MethodPost, "/v1/handlers/execute", ExecuteRequest{
		Source: `
			$ext.kv.set({key: 'name', value: 'pulse'});
			return $ext.kv.get({key: 'name'});
		`,
		Context: types.Context{
			PanelID:      "p1",
			HandlerName:  "load",
			Capabilities: []string{"ext:kv"},
		},
	})
	require.Equal(t, http.StatusOK, w.Code)

	r := decodeResult(t, w)
	require.Equal(t, types.StatusSuccess, r.Status, "%+v", r.Error)
	assert.Equal(t, "pulse", r.ReturnValue)
}

func TestStepAndResume(t *testing.T) {
	s := newTestServer(t)
	w := doJSON(t, s, http.MethodPost, "/v1/handlers/step", ExecuteRequest{
		Source: "return $ext.clock.now();",
		Context: types.Context{
			PanelID:      "p1",
			HandlerName:  "tick",
			Capabilities: []string{"ext:clock"},
		},
	})
	require.Equal(t, http.StatusOK, w.Code)

	r := decodeResult(t, w)
	require.Equal(t, types.StatusSuspended, r.Status)
	require.NotNil(t, r.Suspension)
	assert.Equal(t, "clock", r.Suspension.ExtensionName)
	assert.Equal(t, "now", r.Suspension.Method)

	w = doJSON(t, s, http.MethodPost, "/v1/handlers/resume", ResumeRequest{
		SuspensionID: r.Suspension.SuspensionID,
		Result:       types.AsyncResult{Success: true, Value: 12345},
	})
	require.Equal(t, http.StatusOK, w.Code)

	final := decodeResult(t, w)
	require.Equal(t, types.StatusSuccess, final.Status, "%+v", final.Error)
	assert.EqualValues(t, 12345, final.ReturnValue)

	// A suspension id resolves exactly once.
	w = doJSON(t, s, http.MethodPost, "/v1/handlers/resume", ResumeRequest{
		SuspensionID: r.Suspension.SuspensionID,
		Result:       types.AsyncResult{Success: true},
	})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestResumeUnknownSuspension(t *testing.T) {
	s := newTestServer(t)
	w := doJSON(t, s, http.MethodPost, "/v1/handlers/resume", ResumeRequest{
		SuspensionID: "nope",
		Result:       types.AsyncResult{Success: true},
	})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestPrecompileAndExecuteByHash(t *testing.T) {
	s := newTestServer(t)
	w := doJSON(t, s, http.MethodPost, "/v1/handlers/precompile", SourceRequest{
		Source: "return 41 + 1;",
	})
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Hash string `json:"hash"`
	}
	require.NoError(t, sonic.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Hash)

	w = doJSON(t, s, http.MethodPost, "/v1/handlers/execute", ExecuteRequest{
		Hash:    resp.Hash,
		Context: types.Context{PanelID: "p1", HandlerName: "answer"},
	})
	require.Equal(t, http.StatusOK, w.Code)

	r := decodeResult(t, w)
	require.Equal(t, types.StatusSuccess, r.Status, "%+v", r.Error)
	assert.EqualValues(t, 42, r.ReturnValue)
	assert.True(t, r.Metrics.CacheHit)
}

func TestExecuteUnknownHash(t *testing.T) {
	s := newTestServer(t)
	w := doJSON(t, s, http.MethodPost, "/v1/handlers/execute", ExecuteRequest{
		Hash:    "deadbeef",
		Context: types.Context{PanelID: "p1"},
	})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestPrecompileSyntaxError(t *testing.T) {
	s := newTestServer(t)
	w := doJSON(t, s, http.MethodPost, "/v1/handlers/precompile", SourceRequest{
		Source: "return ((;",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Contains(t, w.Body.String(), string(types.CodeCompileError))
}

func TestInfer(t *testing.T) {
	s := newTestServer(t)
	w := doJSON(t, s, http.MethodPost, "/v1/handlers/infer", SourceRequest{
		Source: "$state.total = $state.total + 1; $emit('done', {});",
	})
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Capabilities []string `json:"capabilities"`
	}
	require.NoError(t, sonic.Unmarshal(w.Body.Bytes(), &resp))
	assert.Contains(t, resp.Capabilities, "state:write:total")
	assert.Contains(t, resp.Capabilities, "events:emit:done")
}

func TestStatsAndCacheClear(t *testing.T) {
	s := newTestServer(t)
	doJSON(t, s, http.MethodPost, "/v1/handlers/execute", ExecuteRequest{
		Source:  "return 1;",
		Context: types.Context{PanelID: "p1"},
	})

	w := doJSON(t, s, http.MethodGet, "/v1/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"pool"`)
	assert.Contains(t, w.Body.String(), `"cache"`)

	w = doJSON(t, s, http.MethodPost, "/v1/admin/cache/clear", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "cleared")
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)
	doJSON(t, s, http.MethodPost, "/v1/handlers/execute", ExecuteRequest{
		Source:  "return 1;",
		Context: types.Context{PanelID: "p1"},
	})

	w := doJSON(t, s, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "pulseboard_handler_executions_total")
}

func TestRateLimit(t *testing.T) {
	cfg := config.Default()
	cfg.Pool.MinInstances = 0
	cfg.RateLimit.RequestsPerSecond = 1
	cfg.RateLimit.Burst = 1
	s := New(cfg, logging.NewDefault())
	t.Cleanup(s.Close)

	first := doJSON(t, s, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, first.Code)

	second := doJSON(t, s, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
}

func TestRequestIDHeader(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, http.MethodGet, "/health", nil)
	assert.True(t, strings.HasPrefix(w.Header().Get(requestIDHeader), "req_"))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(requestIDHeader, "req_custom")
	w = httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	assert.Equal(t, "req_custom", w.Header().Get(requestIDHeader))
}

func TestStreamReceivesEvents(t *testing.T) {
	s := newTestServer(t)
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/stream"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	// Wait for the hub to register the client before executing.
	require.Eventually(t, func() bool {
		return s.hub.ClientCount() == 1
	}, time.Second, 10*time.Millisecond)

	w := doJSON(t, s, http.MethodPost, "/v1/handlers/execute", ExecuteRequest{
		Source: "$emit('refresh', {panel: 'p1'});",
		Context: types.Context{
			PanelID:      "p1",
			HandlerName:  "notify",
			Capabilities: []string{"events:emit:refresh"},
		},
	})
	require.Equal(t, http.StatusOK, w.Code)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame EventFrame
	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, "event", frame.Type)
	assert.Equal(t, "p1", frame.PanelID)
	assert.Equal(t, "refresh", frame.Name)
}
