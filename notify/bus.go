package notify

import "sync"

// DefaultBusCapacity bounds the per-channel backlog before old entries are
// dropped.
const DefaultBusCapacity = 64

// Bus fans notifications and connection status updates out to consumers over
// buffered channels. Publishing never blocks: when a channel is full the
// oldest entry is dropped so producers keep making progress even when a
// consumer stalls.
type Bus struct {
	mu            sync.Mutex
	notifications chan Notification
	statuses      chan ConnectionStatus
	closed        bool
}

// NewBus creates a bus with the given per-channel capacity. Capacity values
// below 1 fall back to DefaultBusCapacity.
func NewBus(capacity int) *Bus {
	if capacity < 1 {
		capacity = DefaultBusCapacity
	}
	return &Bus{
		notifications: make(chan Notification, capacity),
		statuses:      make(chan ConnectionStatus, capacity),
	}
}

// PublishNotification enqueues a notification without blocking. Returns false
// if an older entry was dropped to make room, or if the bus is closed.
func (b *Bus) PublishNotification(n Notification) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}
	dropped := false
	for {
		select {
		case b.notifications <- n:
			return !dropped
		default:
			select {
			case <-b.notifications:
				dropped = true
			default:
			}
		}
	}
}

// PublishStatus enqueues a connection status update without blocking, dropping
// the oldest entry on overflow.
func (b *Bus) PublishStatus(s ConnectionStatus) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}
	dropped := false
	for {
		select {
		case b.statuses <- s:
			return !dropped
		default:
			select {
			case <-b.statuses:
				dropped = true
			default:
			}
		}
	}
}

// Notifications returns the channel consumers receive notifications from. The
// channel is closed when the bus closes.
func (b *Bus) Notifications() <-chan Notification {
	return b.notifications
}

// Statuses returns the channel consumers receive status updates from.
func (b *Bus) Statuses() <-chan ConnectionStatus {
	return b.statuses
}

// Close closes both channels. Publishing after Close is a no-op. Safe to call
// more than once.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.notifications)
	close(b.statuses)
}
