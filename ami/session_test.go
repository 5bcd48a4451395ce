package ami

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/c360/callwatch/errors"
	"github.com/c360/callwatch/metric"
	"github.com/c360/callwatch/notify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePBX accepts one manager connection, answers the login action, and lets
// tests push event frames down the wire.
type fakePBX struct {
	listener net.Listener
	accept   string // Response value sent to the login action

	mu   sync.Mutex
	conn net.Conn
}

func newFakePBX(t *testing.T, accept string) *fakePBX {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	p := &fakePBX{listener: l, accept: accept}
	go p.serve()
	t.Cleanup(p.close)
	return p
}

func (p *fakePBX) serve() {
	conn, err := p.listener.Accept()
	if err != nil {
		return
	}
	p.mu.Lock()
	p.conn = conn
	p.mu.Unlock()

	// read the login action up to its blank line
	buf := make([]byte, 4096)
	var got strings.Builder
	for !strings.Contains(got.String(), "\r\n\r\n") {
		n, err := conn.Read(buf)
		if err != nil {
			return
		}
		got.Write(buf[:n])
	}

	banner := "Asterisk Call Manager/5.0.2\r\n"
	response := fmt.Sprintf("Response: %s\r\nMessage: test\r\n\r\n", p.accept)
	_, _ = conn.Write([]byte(banner + response))
}

func (p *fakePBX) send(t *testing.T, frame string) {
	t.Helper()
	require.Eventually(t, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.conn != nil
	}, 2*time.Second, 10*time.Millisecond)

	p.mu.Lock()
	defer p.mu.Unlock()
	_, err := p.conn.Write([]byte(frame))
	require.NoError(t, err)
}

func (p *fakePBX) close() {
	_ = p.listener.Close()
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn != nil {
		_ = p.conn.Close()
	}
}

func (p *fakePBX) config() Config {
	addr := p.listener.Addr().(*net.TCPAddr)
	return Config{
		Host:           "127.0.0.1",
		Port:           addr.Port,
		Username:       "watcher",
		Secret:         "secret",
		ConnectTimeout: 2 * time.Second,
	}
}

func testDeps(t *testing.T, bus *notify.Bus, handler EventHandler) Deps {
	t.Helper()
	if handler == nil {
		handler = func(Event) {}
	}
	return Deps{
		Logger:   slog.Default(),
		Registry: metric.NewRegistry(),
		Bus:      bus,
		Handler:  handler,
	}
}

func drainStatuses(bus *notify.Bus, until time.Duration) []string {
	deadline := time.After(until)
	var messages []string
	for {
		select {
		case s := <-bus.Statuses():
			messages = append(messages, s.Message)
		case <-deadline:
			return messages
		}
	}
}

func TestSession_LoginAndDispatch(t *testing.T) {
	pbx := newFakePBX(t, "Success")
	bus := notify.NewBus(32)

	var mu sync.Mutex
	var events []Event
	handler := func(e Event) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	}

	s, err := NewSession(pbx.config(), testDeps(t, bus, handler))
	require.NoError(t, err)
	require.NoError(t, s.Initialize())
	require.NoError(t, s.Start(context.Background()))

	pbx.send(t, "Event: Newstate\r\nChannel: SIP/100-0001\r\nChannelStateDesc: Ringing\r\nCallerIDNum: 5551234567\r\nLinkedid: li-1\r\n\r\n")
	pbx.send(t, "Response: Success\r\nActionID: ignored\r\n\r\n")
	pbx.send(t, "Event: Hangup\r\nChannel: SIP/100-0001\r\n\r\n")

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == 2
	}, 3*time.Second, 10*time.Millisecond, "events should reach the handler, responses should not")

	mu.Lock()
	assert.Equal(t, EventNewstate, events[0].Name)
	assert.Equal(t, "5551234567", events[0].CallerNumber())
	assert.Equal(t, "li-1", events[0].CallID())
	assert.Equal(t, "Hangup", events[1].Name)
	mu.Unlock()

	require.NoError(t, s.Stop(3*time.Second))

	messages := drainStatuses(bus, 100*time.Millisecond)
	assert.Contains(t, messages, "Connecting...")
	assert.Contains(t, messages, "Connected")
	assert.Contains(t, messages, "Disconnected")
}

func TestSession_AuthRejectedDoesNotRetry(t *testing.T) {
	pbx := newFakePBX(t, "Error")
	bus := notify.NewBus(32)

	cfg := pbx.config()
	cfg.AutoReconnect = true

	s, err := NewSession(cfg, testDeps(t, bus, nil))
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))

	// the loop must exit on its own without reconnecting
	select {
	case <-s.done:
	case <-time.After(3 * time.Second):
		t.Fatal("session did not stop after auth rejection")
	}

	messages := drainStatuses(bus, 100*time.Millisecond)
	assert.Contains(t, messages, "Auth failed")
	for _, m := range messages {
		assert.NotContains(t, m, "Reconnecting")
	}

	health := s.Health()
	assert.Positive(t, health.ErrorCount)
	assert.Contains(t, health.LastError, "login rejected")
}

func TestSession_ConnectionLostPublishesCountdown(t *testing.T) {
	pbx := newFakePBX(t, "Success")
	bus := notify.NewBus(64)

	cfg := pbx.config()
	cfg.AutoReconnect = true

	s, err := NewSession(cfg, testDeps(t, bus, nil))
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))

	// wait until logged in, then yank the socket
	require.Eventually(t, func() bool { return s.isConnected() }, 3*time.Second, 10*time.Millisecond)
	pbx.close()

	require.Eventually(t, func() bool {
		messages := drainStatuses(bus, 50*time.Millisecond)
		for _, m := range messages {
			if m == "Reconnecting in 5s..." {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, s.Stop(3*time.Second))
}

func TestSession_PeerClosePublishesDisconnected(t *testing.T) {
	pbx := newFakePBX(t, "Success")
	bus := notify.NewBus(64)

	cfg := pbx.config()
	cfg.AutoReconnect = true

	s, err := NewSession(cfg, testDeps(t, bus, nil))
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))

	require.Eventually(t, func() bool { return s.isConnected() }, 3*time.Second, 10*time.Millisecond)

	// a clean peer close reads as end of stream, not an I/O failure
	pbx.close()

	require.Eventually(t, func() bool {
		for _, m := range drainStatuses(bus, 50*time.Millisecond) {
			if m == "Disconnected" {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, s.Stop(3*time.Second))
}

func TestSession_NotConfigured(t *testing.T) {
	bus := notify.NewBus(8)
	s, err := NewSession(Config{}, testDeps(t, bus, nil))
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))

	status := <-bus.Statuses()
	assert.False(t, status.Connected)
	assert.Equal(t, StatusNotConfigured, status.Message)

	// a repeated start errors instead of re-entering the disabled path
	err = s.Start(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))

	require.NoError(t, s.Stop(time.Second))
}

func TestSession_StartTwice(t *testing.T) {
	pbx := newFakePBX(t, "Success")
	bus := notify.NewBus(8)

	s, err := NewSession(pbx.config(), testDeps(t, bus, nil))
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	defer func() { _ = s.Stop(3 * time.Second) }()

	err = s.Start(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestDeps_Validate(t *testing.T) {
	deps := Deps{}
	require.Error(t, deps.Validate())

	deps = Deps{
		Logger:   slog.Default(),
		Registry: metric.NewRegistry(),
		Bus:      notify.NewBus(1),
		Handler:  func(Event) {},
	}
	require.NoError(t, deps.Validate())
}
