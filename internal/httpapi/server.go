package httpapi

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"kairos/internal/domain"
	"kairos/internal/store"
	"kairos/internal/util"
)

// DefaultListLimit caps GET /api/v1/runs when no limit is given.
const DefaultListLimit = 50

// Server serves run records from a RunStore. Equity curves come from the
// Parquet artifacts and are only available when artifacts is set.
type Server struct {
	runs      store.RunStore
	artifacts *store.ParquetStore
	log       *slog.Logger
	engine    *gin.Engine
}

// NewServer creates the results API. artifacts may be nil.
func NewServer(runs store.RunStore, artifacts *store.ParquetStore, logger *slog.Logger) *Server {
	if logger == nil {
		logger = util.Discard()
	}
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(corsMiddleware())

	s := &Server{runs: runs, artifacts: artifacts, log: logger.With("component", "httpapi"), engine: engine}
	engine.Use(s.loggerMiddleware())
	s.RegisterRoutes(engine)
	return s
}

// RegisterRoutes registers all API routes on r.
func (s *Server) RegisterRoutes(r gin.IRouter) {
	api := r.Group("/api/v1")
	{
		api.GET("/runs", s.handleListRuns)
		api.GET("/runs/:id", s.handleGetRun)
		api.GET("/runs/:id/trades", s.handleTrades)
		api.GET("/runs/:id/equity", s.handleEquity)
		api.GET("/runs/:id/audit", s.handleAudit)
	}
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
}

// Handler returns the HTTP handler with CORS and logging middleware.
func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) handleListRuns(c *gin.Context) {
	limit := DefaultListLimit
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(c, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	runs, err := s.runs.ListRuns(c.Request.Context(), limit)
	if err != nil {
		s.serverError(c, "listing runs", err)
		return
	}
	if runs == nil {
		runs = []store.RunRecord{}
	}
	c.JSON(http.StatusOK, RunList{Count: len(runs), Runs: runs})
}

func (s *Server) handleGetRun(c *gin.Context) {
	run, ok := s.lookup(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, run)
}

func (s *Server) handleTrades(c *gin.Context) {
	run, ok := s.lookup(c)
	if !ok {
		return
	}
	trades, err := s.runs.ListTrades(c.Request.Context(), run.ID)
	if err != nil {
		s.serverError(c, "listing trades", err)
		return
	}
	if trades == nil {
		trades = []domain.Trade{}
	}
	c.JSON(http.StatusOK, TradeList{RunID: run.ID, Count: len(trades), Trades: trades})
}

func (s *Server) handleEquity(c *gin.Context) {
	run, ok := s.lookup(c)
	if !ok {
		return
	}
	if s.artifacts == nil {
		writeError(c, http.StatusNotFound, "equity artifacts are not configured")
		return
	}
	points, err := s.artifacts.ReadRunEquity(run.ID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(c, http.StatusNotFound, "no equity curve stored for run "+run.ID)
		return
	}
	if err != nil {
		s.serverError(c, "reading equity", err)
		return
	}
	c.JSON(http.StatusOK, EquityList{RunID: run.ID, Count: len(points), Points: points})
}

func (s *Server) handleAudit(c *gin.Context) {
	run, ok := s.lookup(c)
	if !ok {
		return
	}
	events, err := s.runs.ListAudit(c.Request.Context(), run.ID)
	if err != nil {
		s.serverError(c, "listing audit", err)
		return
	}
	if events == nil {
		events = []domain.AuditEvent{}
	}
	c.JSON(http.StatusOK, AuditList{RunID: run.ID, Count: len(events), Events: events})
}

// lookup resolves the :id parameter, writing a 404 or 500 on failure.
func (s *Server) lookup(c *gin.Context) (store.RunRecord, bool) {
	id := c.Param("id")
	run, err := s.runs.GetRun(c.Request.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(c, http.StatusNotFound, "run "+id+" not found")
		return store.RunRecord{}, false
	}
	if err != nil {
		s.serverError(c, "getting run", err)
		return store.RunRecord{}, false
	}
	return run, true
}

func (s *Server) serverError(c *gin.Context, op string, err error) {
	s.log.Error(op, "path", c.Request.URL.Path, "error", err)
	writeError(c, http.StatusInternalServerError, op+" failed")
}

func writeError(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, ErrorBody{Error: msg})
}

func (s *Server) loggerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"latency", time.Since(start),
		)
	}
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
