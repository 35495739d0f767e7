package agentserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"google.golang.org/grpc"

	"kairos/internal/agent"
	"kairos/internal/util"
)

// ModelVersion is reported in every response.
const ModelVersion = "kairos-agent/0.1"

// Compile-time interface check.
var _ agent.ActServer = (*Server)(nil)

// Server answers decision requests from a Policy.
type Server struct {
	policy Policy
	log    *slog.Logger
	engine *gin.Engine
}

// NewServer builds the gin router around policy. A nil policy selects
// DefaultPolicy.
func NewServer(policy Policy, logger *slog.Logger) *Server {
	if policy == nil {
		policy = DefaultPolicy()
	}
	if logger == nil {
		logger = util.Discard()
	}
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{policy: policy, log: logger.With("component", "agentserver"), engine: engine}
	s.engine.Use(s.loggerMiddleware())
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	v1 := s.engine.Group("/v1")
	{
		v1.POST("/act", s.handleAct)
		v1.POST("/act_batch", s.handleActBatch)
	}
	health := func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "policy": s.policy.Name()})
	}
	s.engine.GET("/healthz", health)
	s.engine.GET("/health", health)
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.engine }

// RegisterGRPC exposes the same policy on a gRPC server.
func (s *Server) RegisterGRPC(g grpc.ServiceRegistrar) {
	agent.RegisterActServer(g, s)
}

// Act answers one request.
func (s *Server) Act(_ context.Context, req agent.Request) (agent.Response, error) {
	return s.decide(req), nil
}

// ActBatch answers every request in order.
func (s *Server) ActBatch(_ context.Context, reqs []agent.Request) ([]agent.Response, error) {
	out := make([]agent.Response, len(reqs))
	for i, r := range reqs {
		out[i] = s.decide(r)
	}
	return out, nil
}

func (s *Server) decide(req agent.Request) agent.Response {
	start := time.Now()
	resp := s.policy.Decide(req)
	conf := 1.0
	version := ModelVersion
	latency := time.Since(start).Milliseconds()
	resp.Confidence = &conf
	resp.ModelVersion = &version
	resp.LatencyMs = &latency
	return resp
}

func (s *Server) handleAct(c *gin.Context) {
	var req agent.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_json", "detail": err.Error()})
		return
	}
	resp, _ := s.Act(c.Request.Context(), req)
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleActBatch(c *gin.Context) {
	var req agent.BatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_json", "detail": err.Error()})
		return
	}
	items, _ := s.ActBatch(c.Request.Context(), req.Items)
	c.JSON(http.StatusOK, agent.BatchResponse{Items: items})
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

// Serve listens on httpAddr and, when non-empty, grpcAddr until ctx is
// cancelled, then shuts both down.
func (s *Server) Serve(ctx context.Context, httpAddr, grpcAddr string) error {
	httpSrv := &http.Server{Addr: httpAddr, Handler: s.engine, ReadHeaderTimeout: 5 * time.Second}
	errc := make(chan error, 2)

	go func() {
		s.log.Info("agent http listening", "addr", httpAddr, "policy", s.policy.Name())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- fmt.Errorf("http: %w", err)
		}
	}()

	var grpcSrv *grpc.Server
	if grpcAddr != "" {
		ln, err := net.Listen("tcp", grpcAddr)
		if err != nil {
			if cerr := httpSrv.Close(); cerr != nil {
				s.log.Warn("closing http server failed", "error", cerr)
			}
			return fmt.Errorf("grpc listen %s: %w", grpcAddr, err)
		}
		grpcSrv = grpc.NewServer()
		s.RegisterGRPC(grpcSrv)
		go func() {
			s.log.Info("agent grpc listening", "addr", grpcAddr)
			if err := grpcSrv.Serve(ln); err != nil {
				errc <- fmt.Errorf("grpc: %w", err)
			}
		}()
	}

	var err error
	select {
	case <-ctx.Done():
	case err = <-errc:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if grpcSrv != nil {
		grpcSrv.GracefulStop()
	}
	if serr := httpSrv.Shutdown(shutdownCtx); serr != nil && err == nil {
		err = serr
	}
	return err
}
