package ami

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/callwatch/component"
	"github.com/c360/callwatch/errors"
	"github.com/c360/callwatch/metric"
	"github.com/c360/callwatch/notify"
	"github.com/c360/callwatch/pkg/retry"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	defaultConnectTimeout = 10 * time.Second
	readPollInterval      = 1 * time.Second
	readBufferSize        = 4096
)

// StatusNotConfigured is published when the session starts without PBX
// credentials. The remaining status messages live on the call sites that
// raise them.
const StatusNotConfigured = "Not configured"

// EventHandler receives every asynchronous manager event in wire order.
type EventHandler func(Event)

// Config holds the PBX connection settings.
type Config struct {
	Host           string
	Port           int
	Username       string
	Secret         string
	ConnectTimeout time.Duration
	AutoReconnect  bool
}

// Configured reports whether enough settings are present to attempt a
// connection.
func (c Config) Configured() bool {
	return c.Host != "" && c.Username != "" && c.Secret != ""
}

func (c Config) address() string {
	port := c.Port
	if port == 0 {
		port = 5038
	}
	return net.JoinHostPort(c.Host, fmt.Sprintf("%d", port))
}

// Deps holds the dependencies a session needs.
type Deps struct {
	Logger   *slog.Logger
	Registry *metric.Registry
	Bus      *notify.Bus
	Handler  EventHandler
}

// Validate ensures required dependencies are present.
func (d Deps) Validate() error {
	if d.Logger == nil {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Session", "Validate", "logger required")
	}
	if d.Registry == nil {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Session", "Validate", "metric registry required")
	}
	if d.Bus == nil {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Session", "Validate", "notification bus required")
	}
	if d.Handler == nil {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Session", "Validate", "event handler required")
	}
	return nil
}

// debugEvents are logged at debug level as they arrive, which is usually
// enough to diagnose a correlation miss without a packet capture.
var debugEvents = map[string]bool{
	EventNewstate:   true,
	EventDialBegin:  true,
	EventDialState:  true,
	EventNewchannel: true,
	EventDial:       true,
	EventBridge:     true,
}

// Session maintains the manager connection: dial, login, a read loop that
// decodes frames and dispatches events, and reconnection with exponential
// backoff when the link drops. Authentication rejections stop the session
// instead of retrying, since retrying bad credentials only trips the PBX's
// lockout.
type Session struct {
	config  Config
	logger  *slog.Logger
	bus     *notify.Bus
	handler EventHandler
	backoff retry.Config

	mu      sync.Mutex
	conn    net.Conn
	decoder *Decoder

	started  atomic.Bool
	running  atomic.Bool
	shutdown chan struct{}
	done     chan struct{}
	wg       sync.WaitGroup

	metrics *sessionMetrics

	healthMu   sync.RWMutex
	startTime  time.Time
	errorCount int
	lastError  string
}

type sessionMetrics struct {
	framesDecoded    prometheus.Counter
	eventsDispatched prometheus.Counter
	reconnects       prometheus.Counter
	connected        prometheus.Gauge
}

func newSessionMetrics(registry *metric.Registry) (*sessionMetrics, error) {
	m := &sessionMetrics{
		framesDecoded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "callwatch_ami_frames_decoded_total",
			Help: "Total manager frames decoded from the wire",
		}),
		eventsDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "callwatch_ami_events_dispatched_total",
			Help: "Total asynchronous events dispatched to the handler",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "callwatch_ami_reconnects_total",
			Help: "Total reconnection attempts after a lost connection",
		}),
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "callwatch_ami_connected",
			Help: "Whether the manager session is currently logged in (0 or 1)",
		}),
	}

	if err := registry.RegisterCounter("ami", "frames_decoded", m.framesDecoded); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter("ami", "events_dispatched", m.eventsDispatched); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter("ami", "reconnects", m.reconnects); err != nil {
		return nil, err
	}
	if err := registry.RegisterGauge("ami", "connected", m.connected); err != nil {
		return nil, err
	}
	return m, nil
}

// NewSession creates a manager session for the given PBX settings.
func NewSession(config Config, deps Deps) (*Session, error) {
	if err := deps.Validate(); err != nil {
		return nil, err
	}
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = defaultConnectTimeout
	}

	metrics, err := newSessionMetrics(deps.Registry)
	if err != nil {
		return nil, errors.Wrap(err, "Session", "NewSession", "metric registration failed")
	}

	return &Session{
		config:   config,
		logger:   deps.Logger.With("component", "ami-session"),
		bus:      deps.Bus,
		handler:  deps.Handler,
		backoff:  retry.Reconnect(),
		decoder:  NewDecoder(),
		shutdown: make(chan struct{}),
		done:     make(chan struct{}),
		metrics:  metrics,
	}, nil
}

// Initialize validates configuration. A session without credentials
// initializes fine but reports Not configured on Start, so a webhook-only
// deployment still runs.
func (s *Session) Initialize() error {
	return nil
}

// Start launches the connection loop.
func (s *Session) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Session", "Start", "session already started")
	}

	if !s.config.Configured() {
		s.logger.Warn("PBX credentials not set, manager session disabled")
		s.bus.PublishStatus(notify.NewStatus(false, StatusNotConfigured))
		close(s.done)
		return nil
	}

	s.running.Store(true)
	s.healthMu.Lock()
	s.startTime = time.Now()
	s.healthMu.Unlock()

	s.wg.Add(1)
	go s.run(ctx)

	return nil
}

// Stop closes the connection and waits for the loop to exit.
func (s *Session) Stop(timeout time.Duration) error {
	if !s.running.Load() {
		return nil
	}
	s.running.Store(false)
	close(s.shutdown)

	s.closeConn()

	select {
	case <-s.done:
	case <-time.After(timeout):
		return errors.WrapTransient(errors.ErrConnectionTimeout, "Session", "Stop",
			"connection loop did not exit in time")
	}

	s.bus.PublishStatus(notify.NewStatus(false, "Disconnected"))
	s.metrics.connected.Set(0)
	return nil
}

// Meta describes the component.
func (s *Session) Meta() component.Metadata {
	return component.Metadata{
		Name:        "ami-session",
		Type:        "input",
		Description: "Asterisk Manager Interface session",
		Version:     "1.0.0",
	}
}

// Health reports session health.
func (s *Session) Health() component.HealthStatus {
	s.healthMu.RLock()
	defer s.healthMu.RUnlock()
	return component.HealthStatus{
		Healthy:    s.errorCount == 0 || s.isConnected(),
		LastCheck:  time.Now(),
		ErrorCount: s.errorCount,
		LastError:  s.lastError,
		Uptime:     time.Since(s.startTime),
	}
}

func (s *Session) isConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

func (s *Session) recordError(err error) {
	s.healthMu.Lock()
	s.errorCount++
	s.lastError = err.Error()
	s.healthMu.Unlock()
}

// run is the connection loop: serve until the link drops, then back off and
// retry. The backoff attempt counter resets after every successful login.
func (s *Session) run(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.done)

	attempt := 0
	for s.running.Load() {
		served, err := s.connectAndServe(ctx)
		if err == nil {
			return
		}
		s.recordError(err)
		s.metrics.connected.Set(0)

		if errors.IsInvalid(err) {
			s.logger.Error("manager login rejected, not retrying", "error", err)
			s.bus.PublishStatus(notify.NewStatus(false, "Auth failed"))
			return
		}
		if served {
			attempt = 0
			if stderrors.Is(err, errors.ErrPeerClosed) {
				s.logger.Warn("manager connection closed by peer")
				s.bus.PublishStatus(notify.NewStatus(false, "Disconnected"))
			} else {
				s.logger.Warn("manager connection lost", "error", err)
				s.bus.PublishStatus(notify.NewStatus(false, "Connection lost"))
			}
		} else {
			s.logger.Warn("manager connection failed", "error", err)
			s.bus.PublishStatus(notify.NewStatus(false, "Connection failed"))
		}

		if !s.config.AutoReconnect || !s.running.Load() {
			return
		}

		delay := s.backoff.Delay(attempt)
		attempt++
		s.metrics.reconnects.Inc()
		if !s.waitBeforeReconnect(ctx, delay) {
			return
		}
	}
}

// waitBeforeReconnect sleeps out the backoff delay, publishing a countdown
// status once a second. Returns false when the session should stop instead of
// reconnecting.
func (s *Session) waitBeforeReconnect(ctx context.Context, delay time.Duration) bool {
	remaining := int(delay.Round(time.Second) / time.Second)
	for remaining > 0 {
		s.bus.PublishStatus(notify.NewStatus(false, fmt.Sprintf("Reconnecting in %ds...", remaining)))
		select {
		case <-time.After(time.Second):
			remaining--
		case <-s.shutdown:
			return false
		case <-ctx.Done():
			return false
		}
	}
	return s.running.Load()
}

// connectAndServe dials, logs in, and runs the read loop until the connection
// drops or the session stops. Returns served=true once login succeeded, so
// the caller can tell a lost connection from one that never came up. A nil
// error means a clean shutdown.
func (s *Session) connectAndServe(ctx context.Context) (served bool, err error) {
	s.bus.PublishStatus(notify.NewStatus(false, "Connecting..."))
	s.logger.Info("connecting to PBX", "address", s.config.address())

	dialer := net.Dialer{Timeout: s.config.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", s.config.address())
	if err != nil {
		return false, errors.WrapTransient(err, "Session", "connectAndServe", "dial failed")
	}

	s.mu.Lock()
	s.conn = conn
	s.decoder.Reset()
	s.mu.Unlock()

	defer s.closeConn()

	if err := s.login(conn); err != nil {
		return false, err
	}

	s.logger.Info("manager session established", "address", s.config.address())
	s.bus.PublishStatus(notify.NewStatus(true, "Connected"))
	s.metrics.connected.Set(1)

	return true, s.readLoop(ctx, conn)
}

// login sends the Login action and checks the response. Asterisk prefixes the
// response with its banner line, which carries no colon field and falls out
// of the decoder.
func (s *Session) login(conn net.Conn) error {
	action := fmt.Sprintf("Action: Login\r\nUsername: %s\r\nSecret: %s\r\n\r\n",
		s.config.Username, s.config.Secret)

	if err := conn.SetWriteDeadline(time.Now().Add(s.config.ConnectTimeout)); err != nil {
		return errors.WrapTransient(err, "Session", "login", "set write deadline failed")
	}
	if _, err := conn.Write([]byte(action)); err != nil {
		return errors.WrapTransient(err, "Session", "login", "send login failed")
	}

	deadline := time.Now().Add(s.config.ConnectTimeout)
	buf := make([]byte, readBufferSize)
	for time.Now().Before(deadline) {
		if err := conn.SetReadDeadline(deadline); err != nil {
			return errors.WrapTransient(err, "Session", "login", "set read deadline failed")
		}
		n, err := conn.Read(buf)
		if err != nil {
			return errors.WrapTransient(err, "Session", "login", "read login response failed")
		}
		for _, frame := range s.feed(buf[:n]) {
			if resp := frame.Get("Response"); resp != "" {
				if resp == "Success" {
					return nil
				}
				return errors.WrapInvalid(errors.ErrAuthRejected, "Session", "login",
					"login rejected: "+frame.Get("Message"))
			}
		}
	}
	return errors.WrapTransient(errors.ErrConnectionTimeout, "Session", "login",
		"no login response before deadline")
}

// readLoop polls the socket with a short deadline so shutdown is noticed
// within a second even on an idle connection.
func (s *Session) readLoop(ctx context.Context, conn net.Conn) error {
	buf := make([]byte, readBufferSize)
	for {
		select {
		case <-s.shutdown:
			return nil
		case <-ctx.Done():
			return nil
		default:
		}
		if !s.running.Load() {
			return nil
		}

		if err := conn.SetReadDeadline(time.Now().Add(readPollInterval)); err != nil {
			return errors.WrapTransient(err, "Session", "readLoop", "set read deadline failed")
		}
		n, err := conn.Read(buf)
		if err != nil {
			var netErr net.Error
			if stderrors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if !s.running.Load() {
				return nil
			}
			if stderrors.Is(err, io.EOF) {
				return errors.WrapTransient(errors.ErrPeerClosed, "Session", "readLoop",
					"peer closed connection")
			}
			return errors.WrapTransient(errors.ErrConnectionLost, "Session", "readLoop",
				"read failed: "+err.Error())
		}

		for _, frame := range s.feed(buf[:n]) {
			event, ok := AsEvent(frame)
			if !ok {
				continue
			}
			if debugEvents[event.Name] {
				s.logger.Debug("manager event",
					"event", event.Name,
					"channel", event.Channel(),
					"caller", event.CallerNumber(),
					"call_id", event.CallID())
			}
			s.metrics.eventsDispatched.Inc()
			s.handler(event)
		}
	}
}

func (s *Session) feed(data []byte) []Frame {
	s.mu.Lock()
	frames := s.decoder.Feed(data)
	s.mu.Unlock()
	s.metrics.framesDecoded.Add(float64(len(frames)))
	return frames
}

func (s *Session) closeConn() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
	s.decoder.Reset()
}
