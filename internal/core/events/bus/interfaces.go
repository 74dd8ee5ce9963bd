package bus

import "time"

// EventBus is a thread-safe, in-process notification sink.
//
// Handlers subscribe by Event.Type(); the Wildcard type receives every
// event. Delivery is synchronous on the publisher's goroutine and follows
// subscription order. Handler errors are joined and returned to the
// publisher, which only logs them: notifications never feed back into the
// simulation.
type EventBus interface {
	Publish(event Event) error
	Subscribe(eventType string, handler EventHandler) (Subscription, error)
	Unsubscribe(Subscription) error
	Stats() Stats
}

// Event is an immutable message. Implementations should treat it as read-only.
type Event interface {
	Type() string
	Source() string
	Timestamp() time.Time
	Data() any
}

type EventHandler func(event Event) error

// Subscription is a registered handler. Cancel is idempotent.
type Subscription interface {
	ID() string
	EventType() string
	IsActive() bool
	Cancel() error
}

type Stats struct {
	Published   uint64 `json:"published"`
	Delivered   uint64 `json:"delivered"`
	Errors      uint64 `json:"errors"`
	Subscribers int    `json:"subscribers"`
}
