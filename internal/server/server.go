package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/pulseboard/backend/internal/config"
	"github.com/pulseboard/backend/internal/extension"
	"github.com/pulseboard/backend/internal/logging"
	"github.com/pulseboard/backend/internal/sandbox/compiler"
	"github.com/pulseboard/backend/internal/sandbox/engine"
	"github.com/pulseboard/backend/internal/sandbox/pool"
)

// Server wires the engine, the extension driver, and the event hub behind
// a gin router.
type Server struct {
	cfg    *config.Config
	router *gin.Engine
	engine *engine.Engine
	driver *extension.Driver
	hub    *Hub
	logger *logging.Logger

	httpSrv *http.Server
}

// New assembles a server from configuration. The default extension set is
// http, kv, and clock; callers add more through Registry before Run.
func New(cfg *config.Config, logger *logging.Logger) *Server {
	eng := engine.New(engine.Config{
		Limits: cfg.Limits(),
		Pool: pool.Config{
			MaxInstances: cfg.Pool.MaxInstances,
			MinInstances: cfg.Pool.MinInstances,
		},
		Cache: compiler.Config{
			MaxEntries:   cfg.Cache.MaxEntries,
			MaxBytes:     cfg.Cache.MaxBytes,
			DiskDir:      cfg.Cache.DiskDir,
			DiskMaxBytes: cfg.Cache.DiskMaxBytes,
		},
		InferCapabilities:  cfg.Engine.InferCapabilities,
		StaleSuspensionAge: cfg.Engine.StaleSuspensionAge,
		CleanupInterval:    cfg.Engine.CleanupInterval,
	}, logger.Named("engine"))

	registry := extension.NewRegistry()
	registry.Register(extension.NewHTTPProvider(10 * time.Second))
	registry.Register(extension.NewKVProvider())
	registry.Register(extension.NewClockProvider())

	s := &Server{
		cfg:    cfg,
		engine: eng,
		driver: extension.NewDriver(eng, registry, logger.Named("driver")),
		hub:    NewHub(logger.Named("ws")),
		logger: logger,
	}
	s.router = s.buildRouter()
	return s
}

// Registry returns the extension registry for custom providers.
func (s *Server) Registry() *extension.Registry { return s.driver.Registry() }

// Engine returns the underlying engine.
func (s *Server) Engine() *engine.Engine { return s.engine }

// Router returns the gin router, mainly for tests.
func (s *Server) Router() *gin.Engine { return s.router }

func (s *Server) buildRouter() *gin.Engine {
	if logging.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(RequestID())
	router.Use(CORS(DefaultCORSConfig()))
	if s.cfg.RateLimit.Enabled {
		router.Use(RateLimit(s.cfg.RateLimit.RequestsPerSecond, s.cfg.RateLimit.Burst))
	}

	router.GET("/", s.handleRoot)
	router.GET("/health", s.handleHealth)
	router.GET("/metrics", s.handleMetrics)
	router.GET("/stream", s.hub.HandleConnection)

	v1 := router.Group("/v1")
	{
		v1.POST("/handlers/execute", s.handleExecute)
		v1.POST("/handlers/step", s.handleStep)
		v1.POST("/handlers/resume", s.handleResume)
		v1.POST("/handlers/precompile", s.handlePrecompile)
		v1.POST("/handlers/infer", s.handleInfer)
		v1.GET("/stats", s.handleStats)
		v1.POST("/admin/cache/clear", s.handleCacheClear)
	}
	return router
}

// Run serves until the context is cancelled, then drains in-flight
// requests and shuts the engine down.
func (s *Server) Run(ctx context.Context) error {
	addr := s.cfg.Server.Host + ":" + s.cfg.Server.Port
	s.httpSrv = &http.Server{Addr: addr, Handler: s.router}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", zap.String("addr", addr))
		errCh <- s.httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		s.engine.Shutdown()
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := s.httpSrv.Shutdown(shutdownCtx)
	s.engine.Shutdown()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Close shuts the engine down without serving. Used by tests and by main
// when startup fails before Run.
func (s *Server) Close() {
	s.engine.Shutdown()
}
