package rendezvous

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/saintparish4/rendezvous/internal/logging"
)

// AdminServer exposes health, statistics, Prometheus metrics and the
// registry event stream over HTTP. It never reveals host codes.
type AdminServer struct {
	registry *Registry
	listener *Listener
	events   *EventHub
	gatherer prometheus.Gatherer

	upgrader   websocket.Upgrader
	mux        *http.ServeMux
	httpServer *http.Server
	startedAt  time.Time

	logger *zap.Logger
}

// NewAdminServer creates the admin HTTP surface. listener, events and
// gatherer may be nil.
func NewAdminServer(cfg Config, registry *Registry, listener *Listener, events *EventHub, gatherer prometheus.Gatherer, logger *zap.Logger) *AdminServer {
	s := &AdminServer{
		registry: registry,
		listener: listener,
		events:   events,
		gatherer: gatherer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The stream is read-only and carries no credentials.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		mux:       http.NewServeMux(),
		startedAt: time.Now(),
		logger:    logging.OrNop(logger).Named("admin"),
	}

	s.httpServer = &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      s.Handler(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures HTTP routes.
func (s *AdminServer) setupRoutes() {
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/api/stats", s.handleStats)
	s.mux.HandleFunc("/ws/events", s.handleEvents)
	if s.gatherer != nil {
		s.mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	s.mux.HandleFunc("/", s.handleNotFound)
}

// Handler returns the routed handler wrapped in CORS middleware.
func (s *AdminServer) Handler() http.Handler {
	return s.corsMiddleware(s.mux)
}

// Serve accepts connections on l until Shutdown is called.
func (s *AdminServer) Serve(l net.Listener) error {
	s.logger.Info("admin server listening", zap.Stringer("addr", l.Addr()))
	err := s.httpServer.Serve(l)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server and disconnects event watchers.
func (s *AdminServer) Shutdown(ctx context.Context) error {
	s.events.Close()
	return s.httpServer.Shutdown(ctx)
}

// corsMiddleware adds CORS headers for cross-origin requests.
func (s *AdminServer) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// handleHealth returns server health status.
func (s *AdminServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().UnixMilli(),
	})
}

// handleStats returns registry and listener statistics.
func (s *AdminServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"registrations":         s.registry.Stats(),
		"datagrams":             s.listener.Stats(),
		"watchers":              s.events.Count(),
		"host_code_ttl_seconds": s.registry.TTL().Seconds(),
		"uptime_seconds":        time.Since(s.startedAt).Seconds(),
		"timestamp":             time.Now().UnixMilli(),
	})
}

// handleEvents upgrades to WebSocket and streams registry events.
func (s *AdminServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		http.Error(w, "event stream disabled", http.StatusNotFound)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("upgrade error", zap.Error(err))
		return
	}

	s.events.ServeConn(conn)
}

// handleNotFound handles unknown routes.
func (s *AdminServer) handleNotFound(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusNotFound, map[string]interface{}{
		"error": "not found",
		"path":  r.URL.Path,
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
