// Package dashboard serves a read-only HTTP API over the portfolio state
// and execution history: current positions, past cycles, and performance
// metrics. Access is by API key exchanged for a short-lived JWT.
package dashboard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"rebalancer/internal/config"
	"rebalancer/internal/report"
	"rebalancer/internal/store"
)

const metricsHistoryDepth = 520 // ten years of weekly cycles

// Server is the dashboard HTTP server.
type Server struct {
	store store.Store
	auth  *AuthService
	cfg   config.Dashboard
	log   *slog.Logger
}

// NewServer creates a dashboard server over the given store.
func NewServer(st store.Store, cfg config.Dashboard) *Server {
	return &Server{
		store: st,
		auth:  NewAuthService(cfg.JWTSecret, cfg.APIKey),
		cfg:   cfg,
		log:   slog.Default().With("component", "dashboard"),
	}
}

// Router builds the gin engine with all routes and middleware attached.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), s.requestLog(), rateLimit(s.cfg.RatePerSec))

	api := router.Group("/api/v1")
	api.POST("/auth/token", s.handleToken)

	authorized := api.Group("/")
	authorized.Use(jwtAuth(s.auth))
	authorized.GET("/state", s.handleState)
	authorized.GET("/history", s.handleHistory)
	authorized.GET("/cycles/:cycle_id", s.handleCycle)
	authorized.GET("/metrics", s.handleMetrics)
	authorized.GET("/report/:cycle_id", s.handleReport)

	return router
}

// Start runs the server until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:      s.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("dashboard listening", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Info("request",
			"method", c.Request.Method, "path", c.Request.URL.Path,
			"status", c.Writer.Status(), "elapsed", time.Since(start))
	}
}

func (s *Server) handleToken(c *gin.Context) {
	var creds Credentials
	if err := c.ShouldBindJSON(&creds); err != nil {
		badRequest(c, "invalid request body")
		return
	}

	token, err := s.auth.GenerateToken(creds)
	if errors.Is(err, ErrInvalidCredentials) {
		unauthorized(c, err.Error())
		return
	}
	handle(c, token, err)
}

func (s *Server) handleState(c *gin.Context) {
	state, err := s.store.Load(c.Request.Context())
	handle(c, state, err)
}

func (s *Server) handleHistory(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			badRequest(c, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	history, err := s.store.History(c.Request.Context(), limit)
	handle(c, history, err)
}

func (s *Server) handleCycle(c *gin.Context) {
	rec, err := s.store.Cycle(c.Request.Context(), c.Param("cycle_id"))
	handle(c, rec, err)
}

func (s *Server) handleMetrics(c *gin.Context) {
	history, err := s.store.History(c.Request.Context(), metricsHistoryDepth)
	if err != nil {
		handle(c, nil, err)
		return
	}
	metrics := report.Evaluate(report.CycleReturns(history))
	handle(c, metrics, nil)
}

// handleReport serves the human-readable cycle summary as plain text.
func (s *Server) handleReport(c *gin.Context) {
	rec, err := s.store.Cycle(c.Request.Context(), c.Param("cycle_id"))
	if err != nil {
		handle(c, nil, err)
		return
	}
	c.String(http.StatusOK, report.RenderCycle(*rec))
}
