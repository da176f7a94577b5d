package events

import (
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
)

// Manager is the emission facade handed to services and jobs. It stamps
// timestamps, keeps the generic map payload in sync with typed payloads,
// and shields emitters from the bus plumbing.
type Manager struct {
	bus *Bus
	log zerolog.Logger
}

// NewManager creates a new event manager backed by the given bus.
func NewManager(bus *Bus, log zerolog.Logger) *Manager {
	return &Manager{
		bus: bus,
		log: log.With().Str("component", "event_manager").Logger(),
	}
}

// Emit publishes an event with a generic map payload.
func (m *Manager) Emit(eventType EventType, module string, data map[string]interface{}) {
	m.bus.Publish(&Event{
		Type:      eventType,
		Module:    module,
		Timestamp: time.Now(),
		Data:      data,
	})
}

// EmitTyped publishes an event with a typed payload. The payload is also
// flattened into the generic map so untyped consumers see the same data.
func (m *Manager) EmitTyped(eventType EventType, module string, data EventData) {
	event := &Event{
		Type:      eventType,
		Module:    module,
		Timestamp: time.Now(),
		typed:     data,
	}

	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			m.log.Error().Err(err).
				Str("event_type", string(eventType)).
				Msg("Failed to marshal typed event data")
		} else {
			var generic map[string]interface{}
			if err := json.Unmarshal(raw, &generic); err == nil {
				event.Data = generic
			}
		}
	}

	m.bus.Publish(event)
}

// Bus exposes the underlying bus for subscription.
func (m *Manager) Bus() *Bus {
	return m.bus
}
