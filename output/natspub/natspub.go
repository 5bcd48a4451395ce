// Package natspub publishes notifications and connection-status updates to
// NATS subjects so other services can react to incoming calls without
// touching the PBX themselves.
package natspub

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/callwatch/component"
	"github.com/c360/callwatch/errors"
	"github.com/c360/callwatch/metric"
	"github.com/c360/callwatch/natsclient"
	"github.com/c360/callwatch/notify"
	"github.com/c360/callwatch/pkg/retry"
)

// Subjects notifications are published to.
const (
	SubjectIncoming = "callwatch.notify.incoming"
	SubjectStatus   = "callwatch.notify.status"
)

// Deps holds the publisher's collaborators.
type Deps struct {
	Logger   *slog.Logger
	Registry *metric.Registry
	Client   *natsclient.Client
}

// Publisher is a notification sink backed by NATS. Publishes retry with a
// short backoff so a reconnecting NATS link does not drop calls.
type Publisher struct {
	logger  *slog.Logger
	client  *natsclient.Client
	backoff retry.Config
	metrics *publisherMetrics

	running   atomic.Bool
	startTime time.Time
}

type publisherMetrics struct {
	published *prometheus.CounterVec
	failed    *prometheus.CounterVec
}

func newPublisherMetrics(registry *metric.Registry) (*publisherMetrics, error) {
	m := &publisherMetrics{
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "callwatch_natspub_published_total",
			Help: "Messages published to NATS by subject",
		}, []string{"subject"}),
		failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "callwatch_natspub_failed_total",
			Help: "Messages dropped after exhausting publish retries, by subject",
		}, []string{"subject"}),
	}
	if err := registry.RegisterCounterVec("natspub", "published", m.published); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec("natspub", "failed", m.failed); err != nil {
		return nil, err
	}
	return m, nil
}

// New creates a NATS publisher.
func New(deps Deps) (*Publisher, error) {
	if deps.Logger == nil || deps.Registry == nil || deps.Client == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Publisher", "New",
			"logger, registry, and client are all required")
	}

	metrics, err := newPublisherMetrics(deps.Registry)
	if err != nil {
		return nil, errors.Wrap(err, "Publisher", "New", "metric registration failed")
	}

	return &Publisher{
		logger:  deps.Logger.With("component", "natspub"),
		client:  deps.Client,
		backoff: retry.DefaultConfig(),
		metrics: metrics,
	}, nil
}

// Initialize is a no-op; the client connects in Start.
func (p *Publisher) Initialize() error {
	return nil
}

// Start connects to NATS. A failed initial connect is transient: the library
// keeps reconnecting in the background, so startup proceeds and publishes
// retry until the link is up.
func (p *Publisher) Start(ctx context.Context) error {
	if p.running.Load() {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Publisher", "Start", "publisher already running")
	}
	p.running.Store(true)
	p.startTime = time.Now()

	if err := p.client.Connect(ctx); err != nil {
		p.logger.Warn("initial NATS connect failed, will retry in background", "error", err)
	}
	return nil
}

// Stop drains the NATS connection.
func (p *Publisher) Stop(timeout time.Duration) error {
	if !p.running.Load() {
		return nil
	}
	p.running.Store(false)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return p.client.Close(ctx)
}

// Meta describes the component.
func (p *Publisher) Meta() component.Metadata {
	return component.Metadata{
		Name:        "natspub",
		Type:        "output",
		Description: "NATS notification publisher",
		Version:     "1.0.0",
	}
}

// Health reports publisher health.
func (p *Publisher) Health() component.HealthStatus {
	return component.HealthStatus{
		Healthy:   p.running.Load() && p.client.IsHealthy(),
		LastCheck: time.Now(),
		Uptime:    time.Since(p.startTime),
	}
}

// Notify publishes an incoming-call notification.
func (p *Publisher) Notify(ctx context.Context, n notify.Notification) error {
	return p.publish(ctx, SubjectIncoming, n)
}

// Status publishes a connection-status update.
func (p *Publisher) Status(ctx context.Context, s notify.ConnectionStatus) error {
	return p.publish(ctx, SubjectStatus, s)
}

func (p *Publisher) publish(ctx context.Context, subject string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return errors.WrapInvalid(err, "Publisher", "publish", "marshal payload failed")
	}

	err = retry.Do(ctx, p.backoff, func() error {
		return p.client.Publish(subject, data)
	})
	if err != nil {
		p.metrics.failed.WithLabelValues(subject).Inc()
		p.logger.Error("publish failed after retries", "subject", subject, "error", err)
		return errors.Wrap(err, "Publisher", "publish", "publish to "+subject+" failed")
	}

	p.metrics.published.WithLabelValues(subject).Inc()
	return nil
}
