package component

import (
	"context"
	"log/slog"
	"time"

	"github.com/c360/callwatch/errors"
)

// Runner manages an ordered set of lifecycle components: initialize and start
// in registration order, stop in reverse order so downstream consumers outlive
// their producers during shutdown.
type Runner struct {
	components []Lifecycle
	started    []Lifecycle
	logger     *slog.Logger
}

// NewRunner creates a runner for the given logger. A nil logger falls back to
// slog.Default.
func NewRunner(logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{logger: logger.With("component", "runner")}
}

// Add registers a component. Components start in the order they were added.
func (r *Runner) Add(c Lifecycle) {
	r.components = append(r.components, c)
}

// StartAll initializes and starts every registered component in order. On the
// first failure it stops the components already started (reverse order) and
// returns the failure.
func (r *Runner) StartAll(ctx context.Context, stopTimeout time.Duration) error {
	for _, c := range r.components {
		meta := c.Meta()

		if err := c.Initialize(); err != nil {
			r.stopStarted(stopTimeout)
			return errors.Wrap(err, "Runner", "StartAll", "initialize "+meta.Name)
		}

		if err := c.Start(ctx); err != nil {
			r.stopStarted(stopTimeout)
			return errors.Wrap(err, "Runner", "StartAll", "start "+meta.Name)
		}

		r.started = append(r.started, c)
		r.logger.Info("component started", "name", meta.Name, "type", meta.Type)
	}
	return nil
}

// StopAll stops all started components in reverse start order. Every component
// gets a Stop call even if an earlier one fails; the first error is returned.
func (r *Runner) StopAll(timeout time.Duration) error {
	var firstErr error
	for i := len(r.started) - 1; i >= 0; i-- {
		c := r.started[i]
		meta := c.Meta()
		if err := c.Stop(timeout); err != nil {
			r.logger.Error("component stop failed", "name", meta.Name, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		r.logger.Info("component stopped", "name", meta.Name)
	}
	r.started = nil
	return firstErr
}

func (r *Runner) stopStarted(timeout time.Duration) {
	for i := len(r.started) - 1; i >= 0; i-- {
		_ = r.started[i].Stop(timeout)
	}
	r.started = nil
}
