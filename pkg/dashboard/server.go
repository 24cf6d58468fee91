package dashboard

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/openapex/wabridge/pkg/bus"
	"github.com/openapex/wabridge/pkg/config"
	"github.com/openapex/wabridge/pkg/logger"
	"github.com/openapex/wabridge/pkg/metrics"
	"github.com/openapex/wabridge/pkg/session"
)

// StatusProvider exposes the current session snapshot.
type StatusProvider interface {
	Status() session.Snapshot
}

type Options struct {
	Config  config.DashboardConfig
	Storage config.StorageConfig
	Version string
	Session StatusProvider
	Bus     *bus.MessageBus
	Metrics *metrics.Metrics
}

type Server struct {
	config     config.DashboardConfig
	storage    config.StorageConfig
	version    string
	session    StatusProvider
	msgBus     *bus.MessageBus
	metrics    *metrics.Metrics
	hub        *Hub
	httpServer *http.Server
	startTime  time.Time
}

func NewServer(opts Options) *Server {
	return &Server{
		config:    opts.Config,
		storage:   opts.Storage,
		version:   opts.Version,
		session:   opts.Session,
		msgBus:    opts.Bus,
		metrics:   opts.Metrics,
		hub:       NewHub(opts.Bus),
		startTime: time.Now(),
	}
}

// Handler builds the routing tree. API routes require the bearer token.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/v1/status", s.authMiddleware(s.handleStatus))
	mux.HandleFunc("/api/v1/qr", s.authMiddleware(s.handleQR))
	mux.HandleFunc("/api/v1/config/storage", s.authMiddleware(s.handleGetStorageConfig))
	mux.Handle("/metrics", s.authMiddleware(s.metrics.Handler().ServeHTTP))

	// WebSocket (auth via query param)
	mux.HandleFunc("/ws", s.handleWebSocket)

	return s.corsMiddleware(mux)
}

func (s *Server) Start(ctx context.Context) error {
	s.startTime = time.Now()
	go s.hub.Run(ctx)

	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	go func() {
		logger.InfoCF("dashboard", "Dashboard server started", map[string]interface{}{
			"address": addr,
		})
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			logger.ErrorCF("dashboard", "Dashboard server error", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}()

	return nil
}

func (s *Server) Stop() {
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(ctx)
		logger.InfoC("dashboard", "Dashboard server stopped")
	}
}

// authMiddleware wraps a handler with bearer token authentication.
func (s *Server) authMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.config.Token == "" || s.extractToken(r) != s.config.Token {
			http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

// extractToken gets the bearer token from Authorization header.
func (s *Server) extractToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	// Fallback: query parameter (for WebSocket)
	return r.URL.Query().Get("token")
}

// corsMiddleware adds CORS headers for same-origin requests.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.Header().Set("Access-Control-Max-Age", "86400")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
