package schema

import (
	"embed"
	"fmt"
	"path"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed events/*.json
var eventSchemaFS embed.FS

// EventRegistry holds compiled payload schemas keyed by event name.
// Events without a schema are accepted as-is.
type EventRegistry struct {
	mu      sync.RWMutex
	schemas map[string]*jsonschema.Schema
}

// NewEventRegistry compiles the schemas shipped with the binary.
// File names map to event names: "user.created.json" validates "user.created".
func NewEventRegistry() (*EventRegistry, error) {
	r := &EventRegistry{schemas: map[string]*jsonschema.Schema{}}
	entries, err := eventSchemaFS.ReadDir("events")
	if err != nil {
		return nil, fmt.Errorf("read event schemas: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := eventSchemaFS.ReadFile(path.Join("events", entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", entry.Name(), err)
		}
		if err := r.Register(strings.TrimSuffix(entry.Name(), ".json"), data); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register compiles and stores a schema for an event name, replacing any previous one.
func (r *EventRegistry) Register(event string, schema []byte) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return fmt.Errorf("event name required")
	}
	compiled, err := Compile("event/"+event, schema)
	if err != nil {
		return fmt.Errorf("event %s: %w", event, err)
	}
	r.mu.Lock()
	r.schemas[event] = compiled
	r.mu.Unlock()
	return nil
}

// Has reports whether a schema exists for the event name.
func (r *EventRegistry) Has(event string) bool {
	if r == nil {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.schemas[event]
	return ok
}

// Validate checks a payload against the event's schema.
func (r *EventRegistry) Validate(event string, payload any) error {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	compiled := r.schemas[event]
	r.mu.RUnlock()
	if compiled == nil {
		return nil
	}
	return validate(compiled, payload)
}
