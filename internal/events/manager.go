package events

import (
	"encoding/json"

	"github.com/rs/zerolog"
)

// Manager wraps a Bus with structured logging of every emitted event,
// and the typed-to-map conversion that lets EventData payloads travel
// through Bus's map-shaped Event.
type Manager struct {
	bus *Bus
	log zerolog.Logger
}

// NewManager creates a Manager around bus.
func NewManager(bus *Bus, log zerolog.Logger) *Manager {
	return &Manager{bus: bus, log: log.With().Str("component", "events").Logger()}
}

// Bus returns the underlying bus, for subscribers (e.g. the websocket
// stream handler) that need to call Subscribe directly.
func (m *Manager) Bus() *Bus {
	return m.bus
}

// Emit publishes a typed event and logs it at info level.
func (m *Manager) Emit(eventType EventType, module string, data EventData) {
	dataMap := toMap(data)
	m.bus.Emit(eventType, module, dataMap)

	eventJSON, _ := json.Marshal(dataMap)
	m.log.Info().
		Str("event_type", string(eventType)).
		Str("module", module).
		RawJSON("data", eventJSON).
		Msg("event emitted")
}

// EmitError is a convenience wrapper for ErrorOccurred events.
func (m *Manager) EmitError(module string, err error, context map[string]interface{}) {
	m.Emit(ErrorOccurred, module, &ErrorEventData{Error: err.Error(), Context: context})
}

func toMap(data EventData) map[string]interface{} {
	if data == nil {
		return nil
	}
	jsonBytes, err := json.Marshal(data)
	if err != nil {
		return nil
	}
	var result map[string]interface{}
	if err := json.Unmarshal(jsonBytes, &result); err != nil {
		return nil
	}
	return result
}
