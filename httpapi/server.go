// Package httpapi exposes the run service over HTTP: submitting a user
// message (which triggers a run), listing a project's history, inspecting a
// run, health and Prometheus metrics.
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sravan-iaisolution/codebox/durable"
	"github.com/sravan-iaisolution/codebox/fragment"
	"github.com/sravan-iaisolution/codebox/service"
)

// Backend is the part of the run service the API needs.
type Backend interface {
	Submit(ctx context.Context, projectID, value string) (*service.Submission, error)
	Messages(ctx context.Context, projectID string) ([]fragment.Message, error)
	Run(ctx context.Context, runID string) (*durable.RunRecord, error)
}

// APIResponse is the envelope of every JSON response.
type APIResponse struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

type messageRequest struct {
	Value string `json:"value"`
}

// Server holds the gin engine and its backing service.
type Server struct {
	backend  Backend
	gatherer prometheus.Gatherer
	logger   *slog.Logger
	engine   *gin.Engine
}

// New builds the router. gatherer backs /metrics; nil selects the default
// registry.
func New(backend Backend, gatherer prometheus.Gatherer, logger *slog.Logger) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		backend:  backend,
		gatherer: gatherer,
		logger:   logger.With("component", "httpapi"),
		engine:   gin.New(),
	}
	s.engine.Use(gin.Recovery(), s.requestLogger())
	s.routes()
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) routes() {
	s.engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, APIResponse{Success: true, Data: gin.H{"status": "ok"}})
	})
	s.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))

	api := s.engine.Group("/api")
	api.POST("/projects/:projectId/messages", s.createMessage)
	api.GET("/projects/:projectId/messages", s.listMessages)
	api.GET("/runs/:runId", s.getRun)
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.InfoContext(c.Request.Context(), "request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}

func fail(c *gin.Context, status int, err error) {
	c.JSON(status, APIResponse{Success: false, Error: err.Error()})
}

func (s *Server) createMessage(c *gin.Context) {
	var req messageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	sub, err := s.backend.Submit(c.Request.Context(), c.Param("projectId"), req.Value)
	switch {
	case err == nil:
		c.JSON(http.StatusAccepted, APIResponse{Success: true, Data: sub})
	case errors.Is(err, fragment.ErrProjectIDRequired),
		errors.Is(err, fragment.ErrValueRequired),
		errors.Is(err, fragment.ErrValueTooLong):
		fail(c, http.StatusBadRequest, err)
	case errors.Is(err, service.ErrQueueFull), errors.Is(err, service.ErrClosed):
		fail(c, http.StatusServiceUnavailable, err)
	default:
		s.logger.ErrorContext(c.Request.Context(), "submit message", "error", err)
		fail(c, http.StatusInternalServerError, err)
	}
}

func (s *Server) listMessages(c *gin.Context) {
	messages, err := s.backend.Messages(c.Request.Context(), c.Param("projectId"))
	if err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	if messages == nil {
		messages = []fragment.Message{}
	}
	c.JSON(http.StatusOK, APIResponse{Success: true, Data: messages})
}

func (s *Server) getRun(c *gin.Context) {
	rec, err := s.backend.Run(c.Request.Context(), c.Param("runId"))
	switch {
	case err == nil:
		c.JSON(http.StatusOK, APIResponse{Success: true, Data: rec})
	case errors.Is(err, durable.ErrRunNotFound):
		fail(c, http.StatusNotFound, err)
	default:
		fail(c, http.StatusInternalServerError, err)
	}
}
