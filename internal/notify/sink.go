// Package notify emits best-effort signals about key creation. Delivery
// is fire-and-forget: the request path only ever enqueues, and a failed
// or dropped notification never surfaces to the caller.
package notify

// Event describes a newly created key. It deliberately carries only the
// audit prefix, never the key itself.
type Event struct {
	DeliveryID string
	Project    string
	Email      string
	IP         string
	KeyPrefix  string
}

// Sink accepts events without blocking the caller.
type Sink interface {
	Enqueue(Event)
}

// Nop discards all events. Used when no notification target is configured.
type Nop struct{}

func (Nop) Enqueue(Event) {}
