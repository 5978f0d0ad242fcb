// Package health serves liveness, readiness and prometheus endpoints.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/jito-foundation/solana-accountsdb-connector/logging"
)

// Overall service states reported by /health.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// ComponentHealth tracks health of a component
type ComponentHealth struct {
	Name      string      `json:"name"`
	Healthy   bool        `json:"healthy"`
	Critical  bool        `json:"critical"`
	LastCheck time.Time   `json:"last_check"`
	LastError string      `json:"last_error,omitempty"`
	Details   interface{} `json:"details,omitempty"`
}

// Report is the /health response body.
type Report struct {
	Status     string                      `json:"status"`
	Service    string                      `json:"service"`
	Uptime     string                      `json:"uptime"`
	Components map[string]*ComponentHealth `json:"components"`
	Timestamp  time.Time                   `json:"timestamp"`
}

// Check reports a component's current health.
type Check func() (healthy bool, details interface{}, err error)

// Server provides health check endpoints
type Server struct {
	service string
	addr    string
	started time.Time
	metrics http.Handler
	logger  *zap.Logger

	mu         sync.RWMutex
	components map[string]*ComponentHealth
}

// NewServer creates a health server listening on port. metricsHandler is
// mounted at /metrics when non-nil.
func NewServer(service string, port int, metricsHandler http.Handler, logger *zap.Logger) *Server {
	return &Server{
		service:    service,
		addr:       fmt.Sprintf(":%d", port),
		started:    time.Now(),
		metrics:    metricsHandler,
		logger:     logging.Component(logger, "health"),
		components: make(map[string]*ComponentHealth),
	}
}

// RegisterComponent registers a component for health monitoring. Critical
// components gate /ready. A component starts unhealthy.
func (s *Server) RegisterComponent(name string, critical bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.components[name] = &ComponentHealth{
		Name:      name,
		Critical:  critical,
		LastCheck: time.Now(),
	}
}

// UpdateComponentHealth updates a component's health status
func (s *Server) UpdateComponentHealth(name string, healthy bool, err error, details interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.components[name]
	if !ok {
		c = &ComponentHealth{Name: name}
		s.components[name] = c
	}
	c.Healthy = healthy
	c.LastCheck = time.Now()
	c.Details = details
	c.LastError = ""
	if err != nil {
		c.LastError = err.Error()
	}
}

// Watch runs check every interval and records the result under name until
// ctx ends.
func (s *Server) Watch(ctx context.Context, name string, interval time.Duration, check Check) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		healthy, details, err := check()
		s.UpdateComponentHealth(name, healthy, err, details)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Report summarizes all components.
func (s *Server) Report() Report {
	s.mu.RLock()
	defer s.mu.RUnlock()

	components := make(map[string]*ComponentHealth, len(s.components))
	unhealthy := 0
	for name, c := range s.components {
		cp := *c
		components[name] = &cp
		if !c.Healthy {
			unhealthy++
		}
	}

	status := StatusHealthy
	switch {
	case unhealthy > 0 && unhealthy == len(components):
		status = StatusUnhealthy
	case unhealthy > 0:
		status = StatusDegraded
	}

	return Report{
		Status:     status,
		Service:    s.service,
		Uptime:     time.Since(s.started).Truncate(time.Second).String(),
		Components: components,
		Timestamp:  time.Now(),
	}
}

// Ready reports whether every critical component is healthy.
func (s *Server) Ready() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.components {
		if c.Critical && !c.Healthy {
			return false
		}
	}
	return true
}

// Router returns the HTTP routes.
func (s *Server) Router() *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	router.HandleFunc("/health/{component}", s.handleComponent).Methods(http.MethodGet)
	if s.metrics != nil {
		router.Handle("/metrics", s.metrics).Methods(http.MethodGet)
	}
	return router
}

// Run serves until ctx ends, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.addr, err)
	}
	return s.Serve(ctx, lis)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	srv := &http.Server{
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(lis) }()
	s.logger.Info("health server started", zap.String("addr", lis.Addr().String()))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown health server: %w", err)
	}
	<-errCh
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	report := s.Report()
	code := http.StatusOK
	if report.Status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, report)
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.Ready() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready\n"))
}

func (s *Server) handleComponent(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["component"]
	report := s.Report()
	c, ok := report.Components[name]
	if !ok {
		http.Error(w, fmt.Sprintf("unknown component %q", name), http.StatusNotFound)
		return
	}
	code := http.StatusOK
	if !c.Healthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, c)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
