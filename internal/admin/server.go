// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

// Package admin is the gateway's operator-facing HTTP console: liveness
// and readiness probes, and a read-only view of active call sessions.
// Grounded on the teacher's router package (healthcheck.go, assistant.go)
// but serving the media-session core's own state instead of proxying a
// Postgres/OpenSearch connector check.
package admin

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/rapidaai/voxrelay/internal/call"
	"github.com/rapidaai/voxrelay/pkg/commons"
	"github.com/rapidaai/voxrelay/pkg/version"
)

// Server is the admin HTTP console.
type Server struct {
	engine *gin.Engine
	calls  *call.Manager
	logger commons.Logger
}

// NewServer builds the admin console's gin engine with every route
// attached. readyCheck is polled by /readiness and should report whether
// the gateway's dependencies (Redis port allocator, Postgres/sqlite
// callrecord store) are reachable.
func NewServer(calls *call.Manager, logger commons.Logger, readyCheck func() error) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{http.MethodGet},
		AllowHeaders:    []string{"Content-Type"},
	}))

	s := &Server{engine: engine, calls: calls, logger: logger.With("component", "admin")}
	s.registerRoutes(readyCheck)
	return s
}

func (s *Server) registerRoutes(readyCheck func() error) {
	s.engine.GET("/healthz", s.handleHealthz)
	s.engine.GET("/readiness", s.handleReadiness(readyCheck))
	s.engine.GET("/calls", s.handleListCalls)
	s.engine.GET("/calls/:id", s.handleGetCall)
}

// Start blocks serving admin HTTP traffic on addr until the process exits
// or ListenAndServe returns an error.
func (s *Server) Start(addr string) error {
	s.logger.Infow("admin console listening", "addr", addr)
	return s.engine.Run(addr)
}

func (s *Server) handleHealthz(c *gin.Context) {
	info := version.Get()
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"version": info.Version,
		"gitSha":  info.GitSHA,
	})
}

func (s *Server) handleReadiness(readyCheck func() error) gin.HandlerFunc {
	return func(c *gin.Context) {
		if readyCheck == nil {
			c.JSON(http.StatusOK, gin.H{"status": "ready"})
			return
		}
		if err := readyCheck(); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	}
}

type callSummary struct {
	ID        string `json:"id"`
	State     string `json:"state"`
	Codec     string `json:"codec"`
	StartedAt string `json:"startedAt"`
}

func (s *Server) handleListCalls(c *gin.Context) {
	ids := s.calls.ActiveCallIDs()
	out := make([]callSummary, 0, len(ids))
	for _, id := range ids {
		if cs, ok := s.callSummary(id); ok {
			out = append(out, cs)
		}
	}
	c.JSON(http.StatusOK, gin.H{"calls": out, "count": len(out)})
}

func (s *Server) handleGetCall(c *gin.Context) {
	cs, ok := s.callSummary(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "call not found"})
		return
	}
	c.JSON(http.StatusOK, cs)
}

func (s *Server) callSummary(id string) (callSummary, bool) {
	callObj, ok := s.calls.Get(id)
	if !ok {
		return callSummary{}, false
	}
	return callSummary{
		ID:        callObj.ID,
		State:     callObj.State().String(),
		Codec:     callObj.CodecName,
		StartedAt: callObj.StartedAt().Format(time.RFC3339),
	}, true
}
