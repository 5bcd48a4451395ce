// Package notify defines the notification types emitted when a watched
// extension receives an incoming call, plus the bus that fans them out to
// output components.
package notify

import (
	"time"

	"github.com/google/uuid"
)

// Source identifies which listener produced a notification.
type Source string

const (
	// SourceAMI marks notifications correlated from PBX manager events.
	SourceAMI Source = "ami"
	// SourceWebhook marks notifications received over HTTP.
	SourceWebhook Source = "webhook"
)

// Notification is a single deduplicated incoming-call alert.
type Notification struct {
	ID         string            `json:"id"`
	Phone      string            `json:"phone"`
	Source     Source            `json:"source"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	ReceivedAt time.Time         `json:"received_at"`
}

// NewNotification builds a notification with a fresh ID and timestamp. The
// metadata map is taken as-is and must not be mutated by the caller afterwards.
func NewNotification(phone string, source Source, metadata map[string]string) Notification {
	return Notification{
		ID:         uuid.NewString(),
		Phone:      phone,
		Source:     source,
		Metadata:   metadata,
		ReceivedAt: time.Now().UTC(),
	}
}

// ConnectionStatus reports the health of the PBX manager session.
type ConnectionStatus struct {
	Connected bool      `json:"connected"`
	Message   string    `json:"message"`
	At        time.Time `json:"at"`
}

// NewStatus builds a timestamped connection status.
func NewStatus(connected bool, message string) ConnectionStatus {
	return ConnectionStatus{Connected: connected, Message: message, At: time.Now().UTC()}
}
