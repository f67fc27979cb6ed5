// Package api handles HTTP and WebSocket API endpoints
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/thereceipt/fax-engine/internal/auth"
	"github.com/thereceipt/fax-engine/internal/broker"
	"github.com/thereceipt/fax-engine/internal/registry"
	"github.com/thereceipt/fax-engine/internal/store"
	"github.com/thereceipt/fax-engine/pkg/faxformat"
)

// Expander compiles a command sequence for delivery
type Expander interface {
	Expand(ctx context.Context, commands []faxformat.Command) []faxformat.Command
}

// Server is the API server
type Server struct {
	router    *gin.Engine
	expander  Expander
	scripts   store.ScriptStore
	publisher broker.Publisher
	registry  *registry.Registry
	hub       *Hub
	gate      auth.Gate
	secret    string
	topic     string
	origins   []string
	logger    zerolog.Logger
	upgrader  websocket.Upgrader
}

// ServerOption configures the Server
type ServerOption func(*Server)

// WithSecret requires devices to present key=secret on pull endpoints
func WithSecret(secret string) ServerOption {
	return func(s *Server) {
		s.secret = secret
	}
}

// WithTopic sets the broadcast topic
func WithTopic(topic string) ServerOption {
	return func(s *Server) {
		s.topic = topic
	}
}

// WithGate sets the session gate for script and device management
func WithGate(g auth.Gate) ServerOption {
	return func(s *Server) {
		s.gate = g
	}
}

// WithAllowedOrigins lists browser origins, besides the server's own host,
// that may open /ws. "*" allows any origin.
func WithAllowedOrigins(origins ...string) ServerOption {
	return func(s *Server) {
		s.origins = origins
	}
}

// WithRegistry enables device tracking
func WithRegistry(r *registry.Registry) ServerOption {
	return func(s *Server) {
		s.registry = r
	}
}

// NewServer creates a new API server
func NewServer(expander Expander, scripts store.ScriptStore, publisher broker.Publisher, logger zerolog.Logger, opts ...ServerOption) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(logger))
	router.Use(corsMiddleware())

	s := &Server{
		router:    router,
		expander:  expander,
		scripts:   scripts,
		publisher: publisher,
		gate:      auth.NewCookieGate(),
		topic:     broker.DefaultTopic,
		logger:    logger,
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: s.checkOrigin}

	for _, opt := range opts {
		opt(s)
	}

	s.hub = NewHub(s.registry, logger)
	s.setupRoutes()

	return s
}

func (s *Server) setupRoutes() {
	requireAuth := auth.Require(s.gate)

	// Device endpoints (shared secret)
	s.router.GET("/projects/:project/script.txt", s.handleDeviceScript)
	s.router.GET("/projects/:project/script.bin", s.handleDeviceScriptRaw)

	// Script management (session gate)
	s.router.GET("/projects/:project/script", requireAuth, s.handleGetScript)
	s.router.GET("/projects/:project/history", requireAuth, s.handleGetHistory)
	s.router.POST("/projects/:project/save-script", requireAuth, s.handleSaveScript)
	s.router.POST("/projects/fax/broadcast", requireAuth, s.handleBroadcast)

	// Devices
	s.router.GET("/devices", requireAuth, s.handleGetDevices)
	s.router.POST("/devices/:id/subscription", requireAuth, s.handleSetSubscription)
	s.router.POST("/devices/:id/name", requireAuth, s.handleSetDeviceName)

	// WebSocket
	s.router.GET("/ws", s.handleWebSocket)

	// Health check
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})
}

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Hub returns the websocket hub
func (s *Server) Hub() *Hub {
	return s.hub
}

// Run serves on addr until ctx is canceled, then shuts down gracefully
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", addr).Msg("API server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("API server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Info().Msg("API server shutting down")
	s.hub.CloseAll()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// checkOrigin admits clients that send no Origin (devices), pages served
// from this host and configured origins
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	u, err := url.Parse(origin)
	if err == nil && strings.EqualFold(u.Host, r.Host) {
		return true
	}

	for _, allowed := range s.origins {
		if allowed == "*" || strings.EqualFold(strings.TrimSuffix(allowed, "/"), origin) {
			return true
		}
	}

	s.logger.Warn().Str("origin", origin).Msg("WebSocket origin rejected")
	return false
}

func requestLogger(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		// the path only: device query strings carry the shared secret
		logger.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("request")
	}
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}
