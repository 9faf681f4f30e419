// Package httpserver exposes the dashboard frames, the backend statistics
// contract and push ingestion over HTTP.
package httpserver

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/tinytelemetry/stepwatch/internal/duckdb"
	"github.com/tinytelemetry/stepwatch/internal/metrics"
	"github.com/tinytelemetry/stepwatch/internal/model"
	"github.com/tinytelemetry/stepwatch/internal/refresh"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// DefaultAddr is used when no listen address is configured.
const DefaultAddr = "0.0.0.0:3000"

// DefaultTimersLimit matches the "last 1000 files" table of the backend.
const DefaultTimersLimit = 1000

// Frames provides the latest dashboard frame.
type Frames interface {
	Last() refresh.Frame
}

// Store is the local store contract behind the backend endpoints and push
// ingestion.
type Store interface {
	AverageDuration(ctx context.Context, window string) (model.AverageSample, error)
	Info(ctx context.Context) (map[string]float64, error)
	Timers(ctx context.Context, limit int) ([]map[string]any, error)
	ExecuteQuery(ctx context.Context, query string) ([]string, []map[string]any, error)
	RecordFiles(ctx context.Context, names ...string) error
	RecordClones(ctx context.Context, clones ...duckdb.Clone) error
}

// Ingester accepts pushed status updates.
type Ingester interface {
	Add(updates ...model.StatusUpdate) error
}

// Config wires the server. Frames is required; every other dependency is
// optional and its routes answer 503 when it is missing.
type Config struct {
	Addr    string
	Frames  Frames
	Store   Store
	Ingest  Ingester
	Metrics *metrics.Recorder
	// Refresh requests an immediate tick.
	Refresh func()
	Logger  *zap.Logger
}

// Server provides the stepwatch HTTP API.
type Server struct {
	cfg       Config
	engine    *gin.Engine
	server    *http.Server
	listener  net.Listener
	ctx       context.Context
	cancel    context.CancelFunc
	startTime time.Time
	serveErr  chan error
}

// NewServer builds the router. Call Start to listen.
func NewServer(cfg Config) *Server {
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:       cfg,
		ctx:       ctx,
		cancel:    cancel,
		startTime: time.Now(),
		serveErr:  make(chan error, 1),
	}
	s.engine = s.routes()
	return s
}

func (s *Server) routes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())
	if s.cfg.Metrics != nil {
		r.Use(s.cfg.Metrics.Middleware())
		r.GET("/metrics", gin.WrapH(s.cfg.Metrics.Handler()))
	}

	api := r.Group("/api")
	api.GET("/health", s.handleHealth)
	api.GET("/frame", s.handleFrame)
	api.GET("/series/:scope", s.handleSeries)
	api.POST("/refresh", s.handleRefresh)
	api.POST("/status-updates", s.requireStore, s.handleStatusUpdates)
	api.POST("/files", s.requireStore, s.handleFiles)
	api.POST("/clones", s.requireStore, s.handleClones)
	api.POST("/query", s.requireStore, s.handleQuery)

	r.GET("/average/:window", s.requireStore, s.handleAverage)
	r.GET("/info", s.requireStore, s.handleInfo)
	r.GET("/timers", s.requireStore, s.handleTimers)
	return r
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.engine }

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.server = &http.Server{
		Handler:           s.engine,
		BaseContext:       func(_ net.Listener) context.Context { return s.ctx },
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
	}

	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	s.listener = listener
	s.startTime = time.Now()

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.cfg.Logger.Error("http server stopped", zap.Error(err))
			s.serveErr <- err
		}
	}()
	s.cfg.Logger.Info("http server listening", zap.String("addr", listener.Addr().String()))
	return nil
}

// Err delivers the error that stopped serving, if serving stops on its own.
func (s *Server) Err() <-chan error { return s.serveErr }

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.cfg.Addr
	}
	return s.listener.Addr().String()
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop() error {
	s.cancel()
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.cfg.Logger.Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("took", time.Since(start)),
		)
	}
}

func (s *Server) requireStore(c *gin.Context) {
	if s.cfg.Store == nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "local store is not enabled"})
		return
	}
	c.Next()
}

func (s *Server) handleHealth(c *gin.Context) {
	frame := s.cfg.Frames.Last()
	body := gin.H{
		"status":  "ok",
		"uptime":  time.Since(s.startTime).String(),
		"healthy": frame.Healthy,
		"ticks":   frame.Seq,
		"source":  frame.Source,
	}
	if !frame.At.IsZero() {
		body["last_tick_age"] = time.Since(frame.At).String()
	}
	if !frame.Healthy {
		body["status"] = "degraded"
		body["notices"] = frame.Notices
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) handleFrame(c *gin.Context) {
	c.JSON(http.StatusOK, s.cfg.Frames.Last())
}

func (s *Server) handleSeries(c *gin.Context) {
	scope := c.Param("scope")
	series, ok := s.cfg.Frames.Last().Series[scope]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown scope " + strconv.Quote(scope)})
		return
	}
	c.JSON(http.StatusOK, series)
}

func (s *Server) handleRefresh(c *gin.Context) {
	if s.cfg.Refresh == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "refresh loop is not running"})
		return
	}
	s.cfg.Refresh()
	c.JSON(http.StatusAccepted, gin.H{"status": "scheduled"})
}

func validWindow(w string) bool {
	if w == "overall" {
		return true
	}
	n, err := strconv.Atoi(w)
	return err == nil && n > 0
}

func (s *Server) handleAverage(c *gin.Context) {
	window := c.Param("window")
	if !validWindow(window) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "window must be a positive integer or \"overall\""})
		return
	}
	sample, err := s.cfg.Store.AverageDuration(c.Request.Context(), window)
	if err != nil {
		s.storeError(c, "average", err)
		return
	}
	c.JSON(http.StatusOK, sample)
}

func (s *Server) handleInfo(c *gin.Context) {
	info, err := s.cfg.Store.Info(c.Request.Context())
	if err != nil {
		s.storeError(c, "info", err)
		return
	}
	c.JSON(http.StatusOK, info)
}

func (s *Server) handleTimers(c *gin.Context) {
	limit := DefaultTimersLimit
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}
	files, err := s.cfg.Store.Timers(c.Request.Context(), limit)
	if err != nil {
		s.storeError(c, "timers", err)
		return
	}
	if files == nil {
		files = []map[string]any{}
	}
	c.JSON(http.StatusOK, gin.H{"files": files})
}

func (s *Server) handleStatusUpdates(c *gin.Context) {
	if s.cfg.Ingest == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "ingestion is not enabled"})
		return
	}
	var updates []model.StatusUpdate
	if err := c.ShouldBindJSON(&updates); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "body must be a JSON array of status updates"})
		return
	}
	for i, u := range updates {
		if u.Step == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "missing step", "index": i})
			return
		}
	}
	if err := s.cfg.Ingest.Add(updates...); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.Ingested(len(updates))
	}
	c.JSON(http.StatusAccepted, gin.H{"accepted": len(updates)})
}

func (s *Server) handleFiles(c *gin.Context) {
	var req struct {
		Files []string `json:"files" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body or missing files field"})
		return
	}
	if err := s.cfg.Store.RecordFiles(c.Request.Context(), req.Files...); err != nil {
		s.storeError(c, "files", err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"recorded": len(req.Files)})
}

func (s *Server) handleClones(c *gin.Context) {
	var req struct {
		Clones []duckdb.Clone `json:"clones" binding:"required,dive"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body or missing clones field"})
		return
	}
	if err := s.cfg.Store.RecordClones(c.Request.Context(), req.Clones...); err != nil {
		s.storeError(c, "clones", err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"recorded": len(req.Clones)})
}

func (s *Server) handleQuery(c *gin.Context) {
	var req struct {
		SQL string `json:"sql" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body or missing sql field"})
		return
	}
	columns, rows, err := s.cfg.Store.ExecuteQuery(c.Request.Context(), req.SQL)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"columns":   columns,
		"rows":      rows,
		"row_count": len(rows),
	})
}

func (s *Server) storeError(c *gin.Context, op string, err error) {
	s.cfg.Logger.Warn("store query failed", zap.String("op", op), zap.Error(err))
	status := http.StatusInternalServerError
	if errors.Is(err, model.ErrSourceUnavailable) {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"error": "failed to read " + op})
}
