// Package correlate turns the manager event stream into incoming-call
// notifications for one watched extension. Three heuristics run in strict
// priority order per event; the first that applies wins, so one event yields
// at most one candidate caller.
package correlate

import (
	"log/slog"
	"strings"

	"github.com/c360/callwatch/ami"
	"github.com/c360/callwatch/errors"
	"github.com/c360/callwatch/metric"
	"github.com/c360/callwatch/notify"
	"github.com/c360/callwatch/phone"
	"github.com/c360/callwatch/pkg/dedup"
	"github.com/prometheus/client_golang/prometheus"
)

// Heuristic labels used in match metrics and logs.
const (
	heuristicDialBegin = "dial_begin"
	heuristicDialState = "dial_state"
	heuristicNewstate  = "newstate"
)

// placeholders are caller values the PBX sends when no real number is
// available. They never count as a caller.
var placeholders = map[string]bool{
	"":          true,
	"<unknown>": true,
	"s":         true,
	"anonymous": true,
}

// Config identifies the watched line.
type Config struct {
	// WatchChannel is the channel-name prefix of the watched extension, e.g.
	// "SIP/1034". Compared case-insensitively against channel base names.
	WatchChannel string
	// WatchNumber is the extension's phone number, kept for consumers that
	// match notifications against directory records.
	WatchNumber string
}

// Deps holds the correlator's collaborators.
type Deps struct {
	Logger   *slog.Logger
	Registry *metric.Registry
	Bus      *notify.Bus
	Cache    *dedup.Cache
}

// Correlator consumes manager events and emits one notification per distinct
// incoming call to the watched extension. It is driven from the session's
// read loop only, so the dedup cache needs no extra locking here beyond its
// own.
type Correlator struct {
	watchChannel string
	watchNumber  string
	logger       *slog.Logger
	bus          *notify.Bus
	cache        *dedup.Cache
	metrics      *correlatorMetrics
}

type correlatorMetrics struct {
	matches    *prometheus.CounterVec
	suppressed prometheus.Counter
}

func newCorrelatorMetrics(registry *metric.Registry) (*correlatorMetrics, error) {
	m := &correlatorMetrics{
		matches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "callwatch_correlate_matches_total",
			Help: "Incoming-call matches by heuristic",
		}, []string{"heuristic"}),
		suppressed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "callwatch_correlate_suppressed_total",
			Help: "Matches suppressed as duplicates of an already-notified call",
		}),
	}
	if err := registry.RegisterCounterVec("correlate", "matches", m.matches); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter("correlate", "suppressed", m.suppressed); err != nil {
		return nil, err
	}
	return m, nil
}

// New creates a correlator for the given watch configuration.
func New(config Config, deps Deps) (*Correlator, error) {
	if deps.Logger == nil || deps.Registry == nil || deps.Bus == nil || deps.Cache == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Correlator", "New",
			"logger, registry, bus, and cache are all required")
	}

	metrics, err := newCorrelatorMetrics(deps.Registry)
	if err != nil {
		return nil, errors.Wrap(err, "Correlator", "New", "metric registration failed")
	}

	return &Correlator{
		watchChannel: strings.ToUpper(config.WatchChannel),
		watchNumber:  config.WatchNumber,
		logger:       deps.Logger.With("component", "correlator"),
		bus:          deps.Bus,
		cache:        deps.Cache,
		metrics:      metrics,
	}, nil
}

// HandleEvent evaluates one manager event. Safe to use as the session's
// event handler.
func (c *Correlator) HandleEvent(e ami.Event) {
	if c.watchChannel == "" && c.watchNumber == "" {
		return
	}

	caller, heuristic := c.matchCaller(e)
	if caller == "" {
		return
	}

	key := callKey(e.CallID(), caller)
	if c.cache.Seen(key) {
		c.metrics.suppressed.Inc()
		c.logger.Debug("duplicate call suppressed", "caller", caller, "call_id", e.CallID())
		return
	}
	c.cache.Record(key)
	c.metrics.matches.WithLabelValues(heuristic).Inc()

	c.logger.Info("incoming call detected",
		"caller", caller,
		"heuristic", heuristic,
		"call_id", e.CallID(),
		"channel", e.Channel())

	c.bus.PublishNotification(notify.NewNotification(caller, notify.SourceAMI, eventMetadata(e)))
}

// matchCaller runs the heuristics in priority order and returns the caller
// number plus the heuristic that found it, or empty strings on no match.
func (c *Correlator) matchCaller(e ami.Event) (string, string) {
	state := e.Fields.Get("ChannelStateDesc")

	switch e.Name {
	case ami.EventDialBegin:
		// a dial attempt towards the watched extension; the source
		// channel's caller ID is the external caller
		if c.destWatched(e) {
			if caller := realCaller(e.CallerNumber()); caller != "" {
				return caller, heuristicDialBegin
			}
		}
	case ami.EventDialState:
		if state == "Ringing" && c.destWatched(e) {
			if caller := realCaller(e.CallerNumber()); caller != "" {
				return caller, heuristicDialState
			}
		}
	case ami.EventNewstate:
		// the watched channel itself went to Ringing; the connected line
		// is the caller, with the caller ID field as fallback
		if state == "Ringing" && c.channelWatched(e.Channel()) {
			if caller := realCaller(e.Fields.Get("ConnectedLineNum")); caller != "" {
				return caller, heuristicNewstate
			}
			if caller := realCaller(e.CallerNumber()); caller != "" {
				return caller, heuristicNewstate
			}
		}
	}
	return "", ""
}

// destWatched reports whether a dial event targets the watched extension,
// either by the destination channel's base name or, when a watch number is
// configured, by the dialed number itself. The number fallback covers
// deployments where the extension rings through local channels whose names
// never carry the watched prefix.
func (c *Correlator) destWatched(e ami.Event) bool {
	if c.channelWatched(e.Fields.Get("DestChannel")) {
		return true
	}
	if c.watchNumber == "" {
		return false
	}
	for _, field := range []string{"DestCallerIDNum", "Exten"} {
		if v := e.Fields.Get(field); !placeholders[v] && phone.Match(v, c.watchNumber) {
			return true
		}
	}
	return false
}

// channelWatched reports whether the channel's base name equals the watched
// channel. Base name = the channel string uppercased and cut at the first '-'.
func (c *Correlator) channelWatched(channel string) bool {
	if channel == "" {
		return false
	}
	return BaseName(channel) == c.watchChannel
}

// BaseName strips the per-call suffix from a channel name:
// "SIP/1034-00000a1b" becomes "SIP/1034".
func BaseName(channel string) string {
	base, _, _ := strings.Cut(strings.ToUpper(channel), "-")
	return base
}

// realCaller filters placeholder caller values, returning the value only when
// it names an actual number.
func realCaller(value string) string {
	if placeholders[value] {
		return ""
	}
	return value
}

// callKey forms the dedup identity for one (call, caller) pair.
func callKey(callID, caller string) string {
	return "call_" + callID + "_" + caller
}

// eventMetadata copies the full event record into the notification so
// consumers see every field the PBX sent, tagged with the event name. The
// caller number stays unnormalized; lookup layers normalize on their side.
func eventMetadata(e ami.Event) map[string]string {
	md := make(map[string]string, len(e.Fields)+1)
	for key, value := range e.Fields {
		md[key] = value
	}
	md["event"] = e.Name
	return md
}
