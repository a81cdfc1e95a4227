// Package api exposes the runner's control operations over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"bridge-rotation/internal/engine"
	"bridge-rotation/internal/store"
)

var log = logrus.WithField("component", "api")

const requestTimeout = 10 * time.Second

// Controller is the part of engine.Runner the HTTP surface drives.
type Controller interface {
	StartTickers(ctx context.Context) error
	StopTickers(ctx context.Context) error
	SaveState(ctx context.Context) error
	Status(ctx context.Context) (engine.Status, error)
}

// History is optional; without it /trade/operations answers 404.
type History interface {
	RecentOperations(ctx context.Context, limit int) ([]store.OperationRecord, error)
}

type Server struct {
	ctrl    Controller
	history History
}

func New(ctrl Controller, history History) (*Server, error) {
	if ctrl == nil {
		return nil, errors.New("controller is required")
	}
	return &Server{ctrl: ctrl, history: history}, nil
}

func (s *Server) Router() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })

	trade := r.Group("/trade")
	trade.POST("/start", s.handleStart)
	trade.POST("/stop", s.handleStop)
	trade.POST("/save", s.handleSave)
	trade.GET("/status", s.handleStatus)
	trade.GET("/operations", s.handleOperations)
	return r
}

func (s *Server) handleStart(c *gin.Context) {
	s.command(c, "start", s.ctrl.StartTickers)
}

func (s *Server) handleStop(c *gin.Context) {
	s.command(c, "stop", s.ctrl.StopTickers)
}

func (s *Server) handleSave(c *gin.Context) {
	s.command(c, "save", s.ctrl.SaveState)
}

func (s *Server) command(c *gin.Context, name string, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		log.WithFields(logrus.Fields{"event": "api_command_failed", "command": name}).WithError(err).Warn("command failed")
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	log.WithFields(logrus.Fields{"event": "api_command", "command": name}).Info("command done")
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) handleStatus(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()
	status, err := s.ctrl.Status(ctx)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, status)
}

type operationsQuery struct {
	Limit int `form:"limit"`
}

func (s *Server) handleOperations(c *gin.Context) {
	if s.history == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "ledger disabled"})
		return
	}
	var q operationsQuery
	if err := c.ShouldBindQuery(&q); err != nil || q.Limit < 0 || q.Limit > 500 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be an integer in [0, 500]"})
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()
	ops, err := s.history.RecentOperations(ctx, q.Limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if ops == nil {
		ops = make([]store.OperationRecord, 0)
	}
	c.JSON(http.StatusOK, gin.H{"operations": ops})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, engine.ErrNotRunning):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}
