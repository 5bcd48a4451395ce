// Package webhook runs the HTTP listener that accepts trusted incoming-call
// pushes from external systems. Webhook notifications bypass correlation and
// dedup entirely: the caller vouches for the number, we deliver it as-is.
package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/c360/callwatch/component"
	"github.com/c360/callwatch/errors"
	"github.com/c360/callwatch/metric"
	"github.com/c360/callwatch/notify"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	maxBodyBytes    = 1 << 16
	shutdownDefault = 5 * time.Second
)

// Config holds the listener settings. Port 0 binds an ephemeral port.
type Config struct {
	Port        int
	ReadTimeout time.Duration
}

// Deps holds the server's collaborators.
type Deps struct {
	Logger   *slog.Logger
	Registry *metric.Registry
	Bus      *notify.Bus
}

// Server is the webhook HTTP listener. It also exposes the process metrics
// endpoint, so one port serves both concerns.
type Server struct {
	config  Config
	logger  *slog.Logger
	bus     *notify.Bus
	metrics *serverMetrics

	server   *http.Server
	listener net.Listener
	running  atomic.Bool

	startTime  time.Time
	errorCount atomic.Int64
}

type serverMetrics struct {
	requests *prometheus.CounterVec
}

func newServerMetrics(registry *metric.Registry) (*serverMetrics, error) {
	m := &serverMetrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "callwatch_webhook_requests_total",
			Help: "Webhook requests by route and status code",
		}, []string{"route", "code"}),
	}
	if err := registry.RegisterCounterVec("webhook", "requests", m.requests); err != nil {
		return nil, err
	}
	return m, nil
}

// NewServer creates the webhook listener.
func NewServer(config Config, deps Deps) (*Server, error) {
	if deps.Logger == nil || deps.Registry == nil || deps.Bus == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Webhook", "NewServer",
			"logger, registry, and bus are all required")
	}
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = 10 * time.Second
	}

	metrics, err := newServerMetrics(deps.Registry)
	if err != nil {
		return nil, errors.Wrap(err, "Webhook", "NewServer", "metric registration failed")
	}

	s := &Server{
		config:  config,
		logger:  deps.Logger.With("component", "webhook"),
		bus:     deps.Bus,
		metrics: metrics,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/incoming-call", s.handleIncomingCall)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", deps.Registry.Handler())
	mux.HandleFunc("/", s.handleNotFound)

	s.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: config.ReadTimeout,
	}
	return s, nil
}

// Initialize binds the listening socket so port conflicts surface before
// Start.
func (s *Server) Initialize() error {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", s.config.Port))
	if err != nil {
		return errors.WrapFatal(err, "Webhook", "Initialize",
			"listen on port "+strconv.Itoa(s.config.Port)+" failed")
	}
	s.listener = listener
	return nil
}

// Start begins serving in the background.
func (s *Server) Start(_ context.Context) error {
	if s.running.Load() {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Webhook", "Start", "server already running")
	}
	if s.listener == nil {
		return errors.WrapInvalid(errors.ErrNotStarted, "Webhook", "Start", "server not initialized")
	}

	s.running.Store(true)
	s.startTime = time.Now()

	go func() {
		s.logger.Info("webhook listening", "addr", s.listener.Addr().String())
		if err := s.server.Serve(s.listener); err != nil && err != http.ErrServerClosed {
			s.errorCount.Add(1)
			s.logger.Error("webhook server stopped", "error", err)
		}
	}()
	return nil
}

// Stop shuts the server down, letting in-flight requests finish within the
// timeout.
func (s *Server) Stop(timeout time.Duration) error {
	if !s.running.Load() {
		return nil
	}
	s.running.Store(false)

	if timeout <= 0 {
		timeout = shutdownDefault
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return errors.WrapTransient(err, "Webhook", "Stop", "graceful shutdown failed")
	}
	return nil
}

// Meta describes the component.
func (s *Server) Meta() component.Metadata {
	return component.Metadata{
		Name:        "webhook",
		Type:        "input",
		Description: "HTTP webhook and metrics listener",
		Version:     "1.0.0",
	}
}

// Health reports server health.
func (s *Server) Health() component.HealthStatus {
	return component.HealthStatus{
		Healthy:    s.running.Load(),
		LastCheck:  time.Now(),
		ErrorCount: int(s.errorCount.Load()),
		Uptime:     time.Since(s.startTime),
	}
}

// Addr returns the bound listen address, useful when Port was 0.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

type incomingCallRequest struct {
	Phone string `json:"phone"`
}

func (s *Server) handleIncomingCall(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.handleNotFound(w, r)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		s.errorCount.Add(1)
		s.logger.Error("webhook body read failed", "error", err)
		s.writeJSON(w, "/incoming-call", http.StatusInternalServerError,
			map[string]string{"error": "internal error"})
		return
	}

	var req incomingCallRequest
	if len(body) > 0 {
		// malformed JSON gets the same answer as a missing phone; the
		// caller sent nothing usable either way
		_ = json.Unmarshal(body, &req)
	}
	if req.Phone == "" {
		s.writeJSON(w, "/incoming-call", http.StatusBadRequest,
			map[string]string{"error": "phone required"})
		return
	}

	s.logger.Info("webhook call received", "phone", req.Phone)
	s.bus.PublishNotification(notify.NewNotification(req.Phone, notify.SourceWebhook, nil))
	s.writeJSON(w, "/incoming-call", http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.handleNotFound(w, r)
		return
	}
	s.writeJSON(w, "/health", http.StatusOK, map[string]string{"status": "running"})
}

func (s *Server) handleNotFound(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, "other", http.StatusNotFound, map[string]string{"error": "not found"})
}

func (s *Server) writeJSON(w http.ResponseWriter, route string, code int, payload any) {
	s.metrics.requests.WithLabelValues(route, strconv.Itoa(code)).Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("webhook response write failed", "error", err)
	}
}
