package bus

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Wildcard subscribes to every event type.
const Wildcard = "*"

var ErrNilHandler = errors.New("bus: nil handler")

type simpleEvent struct {
	typeStr string
	source  string
	ts      time.Time
	data    any
}

func (e simpleEvent) Type() string         { return e.typeStr }
func (e simpleEvent) Source() string       { return e.source }
func (e simpleEvent) Timestamp() time.Time { return e.ts }
func (e simpleEvent) Data() any            { return e.data }

// NewEvent creates a simple Event stamped with ts.
func NewEvent(typ, src string, ts time.Time, data any) Event {
	return simpleEvent{typeStr: typ, source: src, ts: ts, data: data}
}

type subscription struct {
	id        string
	eventType string
	handler   EventHandler
	active    atomic.Bool
	cancel    func()
}

func (s *subscription) ID() string        { return s.id }
func (s *subscription) EventType() string { return s.eventType }
func (s *subscription) IsActive() bool    { return s.active.Load() }
func (s *subscription) Cancel() error {
	if s.active.CompareAndSwap(true, false) && s.cancel != nil {
		s.cancel()
	}
	return nil
}

type inMemoryBus struct {
	mu       sync.RWMutex
	handlers map[string][]*subscription // eventType -> subscriptions in order

	published atomic.Uint64
	delivered atomic.Uint64
	failed    atomic.Uint64
}

func New() EventBus {
	return &inMemoryBus{handlers: make(map[string][]*subscription)}
}

func (b *inMemoryBus) Subscribe(eventType string, handler EventHandler) (Subscription, error) {
	if handler == nil {
		return nil, ErrNilHandler
	}
	s := &subscription{id: uuid.NewString(), eventType: eventType, handler: handler}
	s.active.Store(true)
	s.cancel = func() { b.remove(s) }

	b.mu.Lock()
	b.handlers[eventType] = append(b.handlers[eventType], s)
	b.mu.Unlock()
	return s, nil
}

func (b *inMemoryBus) remove(s *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	// Copy on remove: deliveries in flight keep iterating their own slice.
	subs := slices.DeleteFunc(slices.Clone(b.handlers[s.eventType]), func(o *subscription) bool { return o == s })
	if len(subs) == 0 {
		delete(b.handlers, s.eventType)
		return
	}
	b.handlers[s.eventType] = subs
}

func (b *inMemoryBus) Unsubscribe(sub Subscription) error {
	if sub == nil {
		return nil
	}
	return sub.Cancel()
}

func (b *inMemoryBus) Publish(event Event) error {
	b.mu.RLock()
	typed, wild := b.handlers[event.Type()], b.handlers[Wildcard]
	b.mu.RUnlock()
	if event.Type() == Wildcard {
		wild = nil
	}

	b.published.Add(1)
	var all error
	for _, subs := range [][]*subscription{typed, wild} {
		for _, s := range subs {
			if !s.IsActive() {
				continue
			}
			b.delivered.Add(1)
			if err := s.call(event); err != nil {
				b.failed.Add(1)
				all = errors.Join(all, err)
			}
		}
	}
	return all
}

func (s *subscription) call(event Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("bus: handler %s panicked on %s: %v", s.id, event.Type(), r)
		}
	}()
	return s.handler(event)
}

func (b *inMemoryBus) Stats() Stats {
	b.mu.RLock()
	n := 0
	for _, subs := range b.handlers {
		n += len(subs)
	}
	b.mu.RUnlock()
	return Stats{
		Published:   b.published.Load(),
		Delivered:   b.delivered.Load(),
		Errors:      b.failed.Load(),
		Subscribers: n,
	}
}
