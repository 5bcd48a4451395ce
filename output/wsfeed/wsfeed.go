// Package wsfeed streams notifications and connection-status updates to
// WebSocket clients, typically an operator UI showing incoming calls live.
package wsfeed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/callwatch/component"
	"github.com/c360/callwatch/errors"
	"github.com/c360/callwatch/metric"
	"github.com/c360/callwatch/notify"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 45 * time.Second
	clientSendSize = 32
)

// MessageEnvelope wraps every feed message with a type discriminator so
// clients can route without sniffing payload shapes.
type MessageEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Envelope types.
const (
	TypeIncoming = "incoming"
	TypeStatus   = "status"
)

// Config holds the feed settings. Port 0 binds an ephemeral port.
type Config struct {
	Port int
	Path string
}

// Deps holds the feed's collaborators.
type Deps struct {
	Logger   *slog.Logger
	Registry *metric.Registry
}

type clientInfo struct {
	conn *websocket.Conn
	send chan []byte
}

// Feed is a WebSocket broadcast hub. Each client gets a bounded send queue;
// a client that cannot keep up is dropped rather than stalling the
// broadcast.
type Feed struct {
	config   Config
	logger   *slog.Logger
	upgrader websocket.Upgrader
	metrics  *feedMetrics

	server   *http.Server
	listener net.Listener

	clientsMu sync.Mutex
	clients   map[*websocket.Conn]*clientInfo

	running  atomic.Bool
	shutdown chan struct{}
	wg       sync.WaitGroup

	startTime time.Time
}

type feedMetrics struct {
	clientsConnected prometheus.Gauge
	messagesSent     prometheus.Counter
	clientsDropped   prometheus.Counter
}

func newFeedMetrics(registry *metric.Registry) (*feedMetrics, error) {
	m := &feedMetrics{
		clientsConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "callwatch_wsfeed_clients_connected",
			Help: "WebSocket clients currently connected",
		}),
		messagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "callwatch_wsfeed_messages_sent_total",
			Help: "Messages written to WebSocket clients",
		}),
		clientsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "callwatch_wsfeed_clients_dropped_total",
			Help: "Clients disconnected for falling behind the feed",
		}),
	}
	if err := registry.RegisterGauge("wsfeed", "clients_connected", m.clientsConnected); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter("wsfeed", "messages_sent", m.messagesSent); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter("wsfeed", "clients_dropped", m.clientsDropped); err != nil {
		return nil, err
	}
	return m, nil
}

// New creates the feed.
func New(config Config, deps Deps) (*Feed, error) {
	if deps.Logger == nil || deps.Registry == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Feed", "New",
			"logger and registry are required")
	}
	if config.Path == "" {
		config.Path = "/ws"
	}

	metrics, err := newFeedMetrics(deps.Registry)
	if err != nil {
		return nil, errors.Wrap(err, "Feed", "New", "metric registration failed")
	}

	f := &Feed{
		config: config,
		logger: deps.Logger.With("component", "wsfeed"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		metrics:  metrics,
		clients:  make(map[*websocket.Conn]*clientInfo),
		shutdown: make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc(config.Path, f.handleWebSocket)
	f.server = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	return f, nil
}

// Initialize binds the listening socket.
func (f *Feed) Initialize() error {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", f.config.Port))
	if err != nil {
		return errors.WrapFatal(err, "Feed", "Initialize",
			"listen on port "+strconv.Itoa(f.config.Port)+" failed")
	}
	f.listener = listener
	return nil
}

// Start begins serving in the background.
func (f *Feed) Start(_ context.Context) error {
	if f.running.Load() {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Feed", "Start", "feed already running")
	}
	if f.listener == nil {
		return errors.WrapInvalid(errors.ErrNotStarted, "Feed", "Start", "feed not initialized")
	}
	f.running.Store(true)
	f.startTime = time.Now()

	go func() {
		f.logger.Info("websocket feed listening", "addr", f.listener.Addr().String(), "path", f.config.Path)
		if err := f.server.Serve(f.listener); err != nil && err != http.ErrServerClosed {
			f.logger.Error("websocket feed stopped", "error", err)
		}
	}()
	return nil
}

// Stop closes all clients and shuts the server down.
func (f *Feed) Stop(timeout time.Duration) error {
	if !f.running.Load() {
		return nil
	}
	f.running.Store(false)
	close(f.shutdown)

	f.closeAllClients()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := f.server.Shutdown(ctx); err != nil {
		return errors.WrapTransient(err, "Feed", "Stop", "graceful shutdown failed")
	}

	done := make(chan struct{})
	go func() {
		f.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		return errors.WrapTransient(errors.ErrConnectionTimeout, "Feed", "Stop",
			"client goroutines did not exit in time")
	}
	return nil
}

// Meta describes the component.
func (f *Feed) Meta() component.Metadata {
	return component.Metadata{
		Name:        "wsfeed",
		Type:        "output",
		Description: "WebSocket notification feed",
		Version:     "1.0.0",
	}
}

// Health reports feed health.
func (f *Feed) Health() component.HealthStatus {
	return component.HealthStatus{
		Healthy:   f.running.Load(),
		LastCheck: time.Now(),
		Uptime:    time.Since(f.startTime),
	}
}

// Addr returns the bound listen address, useful when Port was 0.
func (f *Feed) Addr() string {
	if f.listener == nil {
		return ""
	}
	return f.listener.Addr().String()
}

// ClientCount returns how many clients are connected.
func (f *Feed) ClientCount() int {
	f.clientsMu.Lock()
	defer f.clientsMu.Unlock()
	return len(f.clients)
}

// Notify broadcasts an incoming-call notification to every client.
func (f *Feed) Notify(_ context.Context, n notify.Notification) error {
	return f.broadcast(TypeIncoming, n)
}

// Status broadcasts a connection-status update to every client.
func (f *Feed) Status(_ context.Context, s notify.ConnectionStatus) error {
	return f.broadcast(TypeStatus, s)
}

func (f *Feed) broadcast(msgType string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return errors.WrapInvalid(err, "Feed", "broadcast", "marshal payload failed")
	}
	data, err := json.Marshal(MessageEnvelope{Type: msgType, Payload: raw})
	if err != nil {
		return errors.WrapInvalid(err, "Feed", "broadcast", "marshal envelope failed")
	}

	f.clientsMu.Lock()
	var slow []*websocket.Conn
	for conn, info := range f.clients {
		select {
		case info.send <- data:
		default:
			slow = append(slow, conn)
		}
	}
	f.clientsMu.Unlock()

	for _, conn := range slow {
		f.metrics.clientsDropped.Inc()
		f.logger.Warn("dropping slow websocket client", "remote", conn.RemoteAddr().String())
		f.removeClient(conn)
	}
	return nil
}

func (f *Feed) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		f.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	info := &clientInfo{conn: conn, send: make(chan []byte, clientSendSize)}

	f.clientsMu.Lock()
	f.clients[conn] = info
	count := len(f.clients)
	f.clientsMu.Unlock()
	f.metrics.clientsConnected.Set(float64(count))

	f.logger.Info("websocket client connected", "remote", conn.RemoteAddr().String(), "clients", count)

	f.wg.Add(2)
	go f.writeLoop(info)
	go f.readLoop(info)
}

// writeLoop drains the client's send queue and keeps the connection alive
// with periodic pings.
func (f *Feed) writeLoop(info *clientInfo) {
	defer f.wg.Done()
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case data, ok := <-info.send:
			if !ok {
				return
			}
			_ = info.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := info.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				f.removeClient(info.conn)
				return
			}
			f.metrics.messagesSent.Inc()
		case <-ticker.C:
			_ = info.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := info.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				f.removeClient(info.conn)
				return
			}
		case <-f.shutdown:
			return
		}
	}
}

// readLoop discards client messages but notices disconnects and pongs.
func (f *Feed) readLoop(info *clientInfo) {
	defer f.wg.Done()
	defer f.removeClient(info.conn)

	info.conn.SetPongHandler(func(string) error {
		return info.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	_ = info.conn.SetReadDeadline(time.Now().Add(pongWait))

	for {
		if _, _, err := info.conn.ReadMessage(); err != nil {
			return
		}
		_ = info.conn.SetReadDeadline(time.Now().Add(pongWait))
	}
}

func (f *Feed) removeClient(conn *websocket.Conn) {
	f.clientsMu.Lock()
	info, ok := f.clients[conn]
	if ok {
		delete(f.clients, conn)
		close(info.send)
	}
	count := len(f.clients)
	f.clientsMu.Unlock()

	if ok {
		_ = conn.Close()
		f.metrics.clientsConnected.Set(float64(count))
	}
}

func (f *Feed) closeAllClients() {
	f.clientsMu.Lock()
	conns := make([]*websocket.Conn, 0, len(f.clients))
	for conn := range f.clients {
		conns = append(conns, conn)
	}
	f.clientsMu.Unlock()

	for _, conn := range conns {
		f.removeClient(conn)
	}
}
