// Package notify pushes proxy observations to the frontend in real time.
// The core only depends on the Notifier interface; the WebSocket hub is the
// production implementation behind GET /ws.
package notify

import "context"

// Notification is one push message to the frontend.
type Notification struct {
	Topic   string `json:"topic"` // "event", "finding", "analysis"
	Payload any    `json:"payload"`
}

// Notifier delivers notifications to whoever is watching. Implementations
// must be non-blocking from the caller's perspective; a slow frontend must
// never stall the forwarding path.
type Notifier interface {
	Publish(ctx context.Context, n Notification)
}

// Nop discards all notifications.
type Nop struct{}

// Publish does nothing.
func (Nop) Publish(context.Context, Notification) {}
