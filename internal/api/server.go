// Package api wires the dashboard HTTP service: JSON routes under /api and the static
// dashboard UI for everything else.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/klauspost/compress/gzhttp"
	log "github.com/sirupsen/logrus"
	"golang.org/x/net/netutil"

	"github.com/quantumspring/usagemon/internal/api/handlers/dashboard"
	"github.com/quantumspring/usagemon/internal/api/middleware"
	"github.com/quantumspring/usagemon/internal/config"
	"github.com/quantumspring/usagemon/internal/logging"
	"github.com/quantumspring/usagemon/internal/persistence"
)

// ErrServerRunning is returned by Start when the server is already listening.
var ErrServerRunning = errors.New("api: server already running")

// Server is the dashboard HTTP service. It is either stopped or listening; Start and
// Stop move between the two and may be repeated.
type Server struct {
	cfg     *config.Config
	engine  *gin.Engine
	handler http.Handler
	static  *dashboard.StaticFiles

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	done     chan struct{}
}

// NewServer builds the gin engine for cfg on top of storage. version is reported by
// the health endpoint.
func NewServer(cfg *config.Config, storage persistence.Storage, version string) *Server {
	s := &Server{
		cfg:    cfg,
		static: dashboard.NewStaticFiles(cfg.StaticDir),
	}
	s.engine = s.newEngine(storage, version)
	s.handler = gzhttp.GzipHandler(s.engine)
	return s
}

func (s *Server) newEngine(storage persistence.Storage, version string) *gin.Engine {
	engine := gin.New()
	if err := engine.SetTrustedProxies(nil); err != nil {
		log.WithError(err).Warn("Failed to reset trusted proxies")
	}

	engine.Use(
		logging.GinLogrusLogger(),
		logging.GinLogrusRecovery(),
		middleware.LocalhostOnly(s.cfg.AllowRemote),
		middleware.LocalCORS(),
		middleware.BasicAuth(s.cfg.Auth.Username, s.cfg.Auth.Password),
	)

	handler := dashboard.NewHandler(storage, dashboard.Options{
		Version:     version,
		Persistence: s.cfg.DatabaseType,
		GatewayID:   s.cfg.GatewayID,
	})
	apiGroup := engine.Group("/api", middleware.Serialize())
	handler.RegisterRoutes(apiGroup)

	engine.NoRoute(func(c *gin.Context) {
		if dashboard.IsAPIPath(c.Request.URL.Path) {
			dashboard.NotFound(c)
			return
		}
		s.static.Serve(c)
	})

	return engine
}

// Handler returns the full HTTP handler, including response compression.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start binds the configured address and serves in the background. It returns once
// the listener is bound; port 0 picks an ephemeral port, see Addr.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server != nil {
		return ErrServerRunning
	}

	addr := s.cfg.Addr()
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	if s.cfg.MaxConnections > 0 {
		listener = netutil.LimitListener(listener, s.cfg.MaxConnections)
	}

	server := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	done := make(chan struct{})

	go func() {
		defer close(done)
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("Dashboard server stopped unexpectedly")
		}
	}()

	s.server = server
	s.listener = listener
	s.done = done

	log.WithFields(log.Fields{
		"addr":         listener.Addr().String(),
		"static_dir":   s.static.Root(),
		"auth_enabled": s.cfg.Auth.Username != "",
		"allow_remote": s.cfg.AllowRemote,
	}).Info("Dashboard server listening")
	return nil
}

// Addr returns the bound address, or "" when stopped.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// URL returns the dashboard URL, or "" when stopped.
func (s *Server) URL() string {
	addr := s.Addr()
	if addr == "" {
		return ""
	}
	return "http://" + addr + "/"
}

// Stop closes the listener, waits for in-flight requests and returns once the server
// is fully closed. Stopping a stopped server is a no-op.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	server, done := s.server, s.done
	s.server, s.listener, s.done = nil, nil, nil
	s.mu.Unlock()

	if server == nil {
		return nil
	}

	err := server.Shutdown(ctx)
	if err != nil {
		_ = server.Close()
	}
	<-done

	log.Info("Dashboard server stopped")
	if err != nil {
		return fmt.Errorf("failed to shut down dashboard server: %w", err)
	}
	return nil
}
