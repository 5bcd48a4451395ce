package ami

// Event names the correlator and session watch for.
const (
	EventDialBegin  = "DialBegin"
	EventDialState  = "DialState"
	EventNewstate   = "Newstate"
	EventNewchannel = "Newchannel"
	EventDial       = "Dial"
	EventBridge     = "Bridge"
)

// Event is a frame tagged with its manager event name. The raw fields stay
// attached so consumers can lift channel and call identifiers into
// notification metadata.
type Event struct {
	Name   string
	Fields Frame
}

// IsEvent reports whether the frame is an asynchronous manager event, as
// opposed to a response or the login banner.
func IsEvent(f Frame) bool {
	return f.Get("Event") != ""
}

// AsEvent tags a frame with its event name. Returns false for non-event
// frames.
func AsEvent(f Frame) (Event, bool) {
	name := f.Get("Event")
	if name == "" {
		return Event{}, false
	}
	return Event{Name: name, Fields: f}, true
}

// CallID returns the identifier that groups frames belonging to one call:
// Linkedid when present, otherwise Uniqueid.
func (e Event) CallID() string {
	if id := e.Fields.Get("Linkedid"); id != "" {
		return id
	}
	return e.Fields.Get("Uniqueid")
}

// Channel returns the Asterisk channel that raised the event.
func (e Event) Channel() string {
	return e.Fields.Get("Channel")
}

// CallerNumber returns the caller ID number on the event, if any.
func (e Event) CallerNumber() string {
	return e.Fields.Get("CallerIDNum")
}

// CallerName returns the caller ID display name on the event, if any.
func (e Event) CallerName() string {
	return e.Fields.Get("CallerIDName")
}
