package bus

import (
	"sync"
	"time"
)

// Event types published by the simulation.
const (
	EventStateChanged     = "combustion.state_changed"
	EventSimulationPaused = "simulation.paused"
	EventSimulationResume = "simulation.resumed"
	EventWeatherChanged   = "weather.changed"
	EventFieldCleared     = "vegetation.cleared"
)

// StateChange is the payload of EventStateChanged. States are carried as
// their string names so renderers need not import the combustion package.
type StateChange struct {
	EntityID uint64    `json:"entity_id"`
	From     string    `json:"from"`
	To       string    `json:"to"`
	Fuel     float64   `json:"fuel"`
	Radius   float64   `json:"radius"`
	At       time.Time `json:"at"`
}

// NewStateChanged wraps a StateChange into an Event.
func NewStateChanged(source string, change StateChange) Event {
	return NewEvent(EventStateChanged, source, change.At, change)
}

// Collector is a subscriber that records every event it sees. Handy for
// tests and for headless runs that want a transcript.
type Collector struct {
	mu     sync.Mutex
	events []Event
}

func NewCollector() *Collector {
	return &Collector{}
}

func (c *Collector) Handle(e Event) error {
	c.mu.Lock()
	c.events = append(c.events, e)
	c.mu.Unlock()
	return nil
}

// Events returns a copy of everything collected so far.
func (c *Collector) Events() []Event {
	c.mu.Lock()
	out := append([]Event(nil), c.events...)
	c.mu.Unlock()
	return out
}

// StateChanges returns the StateChange payloads in delivery order.
func (c *Collector) StateChanges() []StateChange {
	var out []StateChange
	for _, e := range c.Events() {
		if sc, ok := e.Data().(StateChange); ok {
			out = append(out, sc)
		}
	}
	return out
}
