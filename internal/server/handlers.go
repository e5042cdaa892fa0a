package server

import (
	"errors"
	"io"
	"net/http"

	"github.com/bytedance/sonic"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/pulseboard/backend/internal/sandbox/engine"
	"github.com/pulseboard/backend/internal/sandbox/pool"
	"github.com/pulseboard/backend/internal/sandbox/types"
)

// ExecuteRequest is the body of execute and step calls. Exactly one of
// Source and Hash must be set; Hash addresses a precompiled handler.
type ExecuteRequest struct {
	Source    string        `json:"source,omitempty"`
	Hash      string        `json:"hash,omitempty"`
	Context   types.Context `json:"context"`
	TimeoutMS uint32        `json:"timeout_ms,omitempty"`
}

// ResumeRequest delivers an async extension result into a suspension.
type ResumeRequest struct {
	SuspensionID string            `json:"suspension_id"`
	Result       types.AsyncResult `json:"result"`
}

// SourceRequest carries bare handler source.
type SourceRequest struct {
	Source string `json:"source"`
}

func (s *Server) handleRoot(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service": "pulseboard-sandbox",
		"status":  "running",
	})
}

func (s *Server) handleHealth(c *gin.Context) {
	st := s.engine.Stats()
	c.JSON(http.StatusOK, gin.H{
		"status":             "healthy",
		"pool":               st.Pool,
		"stream_subscribers": s.hub.ClientCount(),
	})
}

// handleExecute runs a handler to a terminal result, performing extension
// I/O between steps. Events from every step are fanned out to /stream as
// they surface.
func (s *Server) handleExecute(c *gin.Context) {
	var req ExecuteRequest
	if !s.decode(c, &req) {
		return
	}
	if (req.Source == "") == (req.Hash == "") {
		badRequest(c, "exactly one of source and hash is required")
		return
	}

	sink := func(r *types.Result) {
		for _, ev := range r.Events {
			s.hub.Broadcast(req.Context.PanelID, ev)
		}
	}

	var (
		r   *types.Result
		err error
	)
	if req.Hash != "" {
		r, err = s.driver.RunCompiled(c.Request.Context(), req.Hash, &req.Context, req.TimeoutMS, sink)
	} else {
		r, err = s.driver.Run(c.Request.Context(), req.Source, &req.Context, req.TimeoutMS, sink)
	}
	if err != nil {
		s.hostError(c, err)
		return
	}
	s.respond(c, http.StatusOK, r)
}

// handleStep runs a single step. A suspended result is returned to the
// caller, who performs the I/O and calls resume.
func (s *Server) handleStep(c *gin.Context) {
	var req ExecuteRequest
	if !s.decode(c, &req) {
		return
	}
	if (req.Source == "") == (req.Hash == "") {
		badRequest(c, "exactly one of source and hash is required")
		return
	}
	if req.Context.ExtensionRegistry == nil {
		req.Context.ExtensionRegistry = s.driver.Registry().Snapshot()
	}

	var (
		r   *types.Result
		err error
	)
	if req.Hash != "" {
		r, err = s.engine.ExecuteCompiled(c.Request.Context(), req.Hash, &req.Context, req.TimeoutMS)
	} else {
		r, err = s.engine.Execute(c.Request.Context(), req.Source, &req.Context, req.TimeoutMS)
	}
	if err != nil {
		s.hostError(c, err)
		return
	}

	for _, ev := range r.Events {
		s.hub.Broadcast(req.Context.PanelID, ev)
	}
	s.respond(c, http.StatusOK, r)
}

func (s *Server) handleResume(c *gin.Context) {
	var req ResumeRequest
	if !s.decode(c, &req) {
		return
	}
	if req.SuspensionID == "" {
		badRequest(c, "suspension_id is required")
		return
	}

	r, err := s.engine.Resume(c.Request.Context(), req.SuspensionID, req.Result)
	if err != nil {
		s.hostError(c, err)
		return
	}
	s.respond(c, http.StatusOK, r)
}

func (s *Server) handlePrecompile(c *gin.Context) {
	var req SourceRequest
	if !s.decode(c, &req) {
		return
	}
	if req.Source == "" {
		badRequest(c, "source is required")
		return
	}

	hash, err := s.engine.Precompile(req.Source)
	if err != nil {
		var serr *types.Error
		if errors.As(err, &serr) {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": serr})
			return
		}
		s.hostError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"hash": hash})
}

func (s *Server) handleInfer(c *gin.Context) {
	var req SourceRequest
	if !s.decode(c, &req) {
		return
	}
	c.JSON(http.StatusOK, gin.H{"capabilities": s.engine.InferCapabilities(req.Source)})
}

func (s *Server) handleStats(c *gin.Context) {
	s.respond(c, http.StatusOK, s.engine.Stats())
}

func (s *Server) handleCacheClear(c *gin.Context) {
	s.engine.ClearCache()
	s.logger.Info("compiler cache cleared", zap.String("request_id", c.GetString("request_id")))
	c.JSON(http.StatusOK, gin.H{"status": "cleared"})
}

func (s *Server) handleMetrics(c *gin.Context) {
	text, err := s.engine.PrometheusText()
	if err != nil {
		c.String(http.StatusInternalServerError, "metrics unavailable")
		return
	}
	c.Data(http.StatusOK, "text/plain; version=0.0.4; charset=utf-8", []byte(text))
}

// decode reads and unmarshals the request body. On failure it writes a
// 400 and reports false.
func (s *Server) decode(c *gin.Context, v any) bool {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		badRequest(c, "unreadable body")
		return false
	}
	if err := sonic.Unmarshal(body, v); err != nil {
		badRequest(c, "invalid JSON: "+err.Error())
		return false
	}
	return true
}

// respond marshals v with sonic; results are the hot path and carry
// arbitrary handler values.
func (s *Server) respond(c *gin.Context, code int, v any) {
	b, err := sonic.Marshal(v)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "encoding failed"})
		return
	}
	c.Data(code, "application/json; charset=utf-8", b)
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": msg})
}

// hostError maps engine host-misuse errors onto HTTP statuses. Handler
// failures never reach here; those travel as Result data.
func (s *Server) hostError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, pool.ErrUnknownSuspension), errors.Is(err, engine.ErrUnknownHash):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, engine.ErrShutdown), errors.Is(err, pool.ErrClosed):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		s.logger.Error("request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
