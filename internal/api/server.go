// Package api exposes the engine over HTTP.
//
//	GET  /healthz
//	GET  /metrics
//	POST /v1/users/:user/cycles                    run a cycle (?dry_run=true previews)
//	POST /v1/users/:user/methodologies/:m/select   explicit methodology selection
//	GET  /v1/users/:user/firings                   ?status=&limit=
//	GET  /v1/users/:user/stream                    websocket stream consumer
//	GET  /v1/firings/:id                           firing with its attempts
//	POST /v1/firings/:id/ack                       {"status":"read"|"dismissed"}
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/abhisek/focuscoach/internal/engine"
	"github.com/abhisek/focuscoach/internal/ledger"
	"github.com/abhisek/focuscoach/internal/methodology"
	"github.com/abhisek/focuscoach/internal/unlock"
	"github.com/abhisek/focuscoach/internal/usercontext"
)

// Acknowledger applies user actions to firings. *delivery.Router
// implements it.
type Acknowledger interface {
	Acknowledge(ctx context.Context, firingID string, status ledger.Status) error
}

// Deps are the server's collaborators. Stream may be nil, which leaves the
// stream route unregistered.
type Deps struct {
	Engine   *engine.Engine
	Contexts engine.ContextBuilder
	Ledger   ledger.Store
	Acks     Acknowledger
	Stream   gin.HandlerFunc
}

type Server struct {
	deps   Deps
	logger *zap.Logger
	now    func() time.Time
}

// Option configures a Server.
type Option func(*Server)

// WithClock overrides the time cycles are evaluated at.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

func New(deps Deps, logger *zap.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{deps: deps, logger: logger, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the routed gin engine.
func (s *Server) Handler() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.logRequests)
	s.RegisterRoutes(r)
	return r
}

func (s *Server) RegisterRoutes(r *gin.Engine) {
	r.GET("/healthz", s.handleHealth)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/v1")
	{
		users := v1.Group("/users/:user")
		users.POST("/cycles", s.handleCycle)
		users.POST("/methodologies/:methodology/select", s.handleSelect)
		users.GET("/firings", s.handleListFirings)
		if s.deps.Stream != nil {
			users.GET("/stream", s.deps.Stream)
		}

		v1.GET("/firings/:id", s.handleGetFiring)
		v1.POST("/firings/:id/ack", s.handleAck)
	}
}

func (s *Server) logRequests(c *gin.Context) {
	start := time.Now()
	c.Next()
	s.logger.Debug("http request",
		zap.String("method", c.Request.Method),
		zap.String("route", c.FullPath()),
		zap.Int("status", c.Writer.Status()),
		zap.Duration("elapsed", time.Since(start)),
	)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleCycle(c *gin.Context) {
	ctx := c.Request.Context()
	userID := c.Param("user")
	now := s.now()

	var (
		decisions []engine.Decision
		err       error
	)
	if dry, _ := strconv.ParseBool(c.Query("dry_run")); dry {
		var uc usercontext.UserContext
		uc, err = s.deps.Contexts.Build(ctx, userID, now)
		if err == nil {
			decisions, err = s.deps.Engine.Preview(ctx, userID, uc, now)
		}
	} else {
		decisions, err = s.deps.Engine.Run(ctx, userID, now)
	}
	if err != nil {
		s.fail(c, err)
		return
	}

	out := make([]decisionView, len(decisions))
	for i, d := range decisions {
		out[i] = decisionView{Firing: viewFiring(d.Firing), CopySource: d.CopySource}
	}
	c.JSON(http.StatusOK, gin.H{"decisions": out})
}

func (s *Server) handleSelect(c *gin.Context) {
	m, err := methodology.Parse(c.Param("methodology"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	t, err := s.deps.Engine.SelectMethodology(c.Request.Context(), c.Param("user"), m, s.now())
	if err != nil {
		s.fail(c, err)
		return
	}
	if t == nil {
		c.JSON(http.StatusOK, gin.H{"transition": nil})
		return
	}
	c.JSON(http.StatusOK, gin.H{"transition": transitionView{
		Methodology: t.Methodology,
		From:        t.From.String(),
		To:          t.To.String(),
		Trigger:     t.Trigger,
		At:          t.At,
	}})
}

type listQuery struct {
	Status string `form:"status" binding:"omitempty,oneof=pending sent delivered read dismissed failed"`
	Limit  int    `form:"limit" binding:"omitempty,min=1,max=500"`
}

func (s *Server) handleListFirings(c *gin.Context) {
	var q listQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if q.Limit == 0 {
		q.Limit = 50
	}
	firings, err := s.deps.Ledger.List(c.Request.Context(), ledger.Filter{
		UserID: c.Param("user"),
		Status: ledger.Status(q.Status),
		Limit:  q.Limit,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	out := make([]firingView, len(firings))
	for i, f := range firings {
		out[i] = viewFiring(f)
	}
	c.JSON(http.StatusOK, gin.H{"firings": out})
}

func (s *Server) handleGetFiring(c *gin.Context) {
	ctx := c.Request.Context()
	f, err := s.deps.Ledger.Get(ctx, c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	attempts, err := s.deps.Ledger.Attempts(ctx, f.ID)
	if err != nil {
		s.fail(c, err)
		return
	}
	view := viewFiring(f)
	view.Attempts = make([]attemptView, len(attempts))
	for i, a := range attempts {
		view.Attempts[i] = attemptView{
			Channel: string(a.Channel),
			Number:  a.Number,
			Outcome: string(a.Outcome),
			Error:   a.Error,
			At:      a.At,
		}
	}
	c.JSON(http.StatusOK, view)
}

type ackRequest struct {
	Status string `json:"status" binding:"required,oneof=read dismissed"`
}

func (s *Server) handleAck(c *gin.Context) {
	var req ackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.deps.Acks.Acknowledge(c.Request.Context(), c.Param("id"), ledger.Status(req.Status)); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// fail maps domain errors to HTTP statuses.
func (s *Server) fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, usercontext.ErrContextUnavailable):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, ledger.ErrInvalidTransition),
		errors.Is(err, unlock.ErrNotEligible),
		errors.Is(err, unlock.ErrInvalidTransition),
		errors.Is(err, unlock.ErrConflict):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", zap.String("route", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
