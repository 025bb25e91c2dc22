package events

import (
	"sync"

	"github.com/rs/zerolog"
)

// Listener receives every published EventData of the type(s) it subscribed
// to. Listeners must not block significantly; the Manager invokes them
// synchronously in publish order per event type.
type Listener func(EventData)

// Manager is the process-wide event dispatcher. One Manager is constructed
// at wiring time and shared by every component that publishes or subscribes.
type Manager struct {
	mu        sync.RWMutex
	listeners map[EventType][]Listener
	log       zerolog.Logger
}

// NewManager builds an empty dispatcher.
func NewManager(log zerolog.Logger) *Manager {
	return &Manager{
		listeners: make(map[EventType][]Listener),
		log:       log.With().Str("component", "events").Logger(),
	}
}

// Subscribe registers fn to be called for every future Publish of typ.
func (m *Manager) Subscribe(typ EventType, fn Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners[typ] = append(m.listeners[typ], fn)
}

// Publish fans out data to every listener subscribed to its EventType, in
// subscription order. A listener panic is recovered and logged so one
// misbehaving subscriber cannot take down the publisher's goroutine.
func (m *Manager) Publish(data EventData) {
	m.mu.RLock()
	fns := append([]Listener(nil), m.listeners[data.EventType()]...)
	m.mu.RUnlock()

	for _, fn := range fns {
		m.safeInvoke(fn, data)
	}
}

func (m *Manager) safeInvoke(fn Listener, data EventData) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error().Interface("panic", r).Str("event_type", string(data.EventType())).Msg("listener panicked")
		}
	}()
	fn(data)
}
