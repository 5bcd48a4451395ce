package notify

import "context"

// Sink delivers notifications and status updates to one downstream surface.
// The dispatcher forwards every bus entry to each configured sink; a failing
// sink never blocks the others.
type Sink interface {
	Notify(ctx context.Context, n Notification) error
	Status(ctx context.Context, s ConnectionStatus) error
}
