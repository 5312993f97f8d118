// Package api exposes the engine over HTTP with gin.
//
// Mutations are available both as REST routes and through a single RPC route
// taking {event, data} envelopes named after the wire operations (moveItem,
// createItem, deleteItem, listAll). Committed events are pushed to observers
// over server-sent events.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/jacentio/treeorder/broadcast"
	"github.com/jacentio/treeorder/engine"
	"github.com/jacentio/treeorder/store"
)

// Mutator is the engine surface the server needs.
type Mutator interface {
	Move(ctx context.Context, id int64, target *int64, position int) (*store.Item, error)
	Create(ctx context.Context, d store.Draft, parent *int64, position int) (*store.Item, error)
	Delete(ctx context.Context, id int64) error
	ListAll(ctx context.Context) ([]store.Item, error)
	ListScope(ctx context.Context, parent *int64) ([]store.Item, error)
}

var _ Mutator = (*engine.Engine)(nil)

const defaultHeartbeat = 15 * time.Second

// Config holds configuration for the Server.
type Config struct {
	// Relay enables POST /api/relay, through which a stream consumer injects
	// events into the hub.
	Relay bool

	// Heartbeat is the interval of ping events on idle SSE connections.
	// Default: 15s
	Heartbeat time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{Heartbeat: defaultHeartbeat}
}

func (c *Config) validate() {
	if c.Heartbeat <= 0 {
		c.Heartbeat = defaultHeartbeat
	}
}

// Server represents the API server.
type Server struct {
	router *gin.Engine
	eng    Mutator
	hub    *broadcast.Hub
	config Config
	logger *slog.Logger
}

// NewServer creates a new API server instance. hub feeds the SSE route and
// the relay route.
func NewServer(eng Mutator, hub *broadcast.Hub, config Config, logger *slog.Logger) *Server {
	config.validate()
	if logger == nil {
		logger = slog.Default()
	}

	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(logger))

	s := &Server{
		router: router,
		eng:    eng,
		hub:    hub,
		config: config,
		logger: logger,
	}
	s.setupRoutes()
	return s
}

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	api := s.router.Group("/api")

	items := api.Group("/items")
	items.GET("", s.listAll)
	items.GET("/:parentId", s.listScope)
	items.POST("", s.createItem)
	items.POST("/move", s.moveItem)
	items.DELETE("/:id", s.deleteItem)

	api.POST("/rpc", s.rpc)
	api.GET("/events", s.events)
	if s.config.Relay {
		api.POST("/relay", s.relay)
	}
}

// Handler returns the router for use with an http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// requestLogger logs each request at debug level and server errors at warn.
func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		attrs := []any{
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		}
		if c.Writer.Status() >= http.StatusInternalServerError {
			logger.Warn("request failed", attrs...)
			return
		}
		logger.Debug("request", attrs...)
	}
}
