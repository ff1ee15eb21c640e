// Package eventbus turns published domain events into workflow executions.
package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"github.com/pingup/pingup/core/infra/bus"
	"github.com/pingup/pingup/core/infra/logging"
	"github.com/pingup/pingup/core/infra/schema"
	"github.com/pingup/pingup/core/workflow"
)

const (
	component = "eventbus"
	// QueueEngine load-balances ingested events across workflow-engine replicas.
	QueueEngine = "pingup-workflow-engine"

	redeliverDelay = 5 * time.Second
)

var ErrInvalidEvent = errors.New("invalid event")

// Starter creates executions; satisfied by *workflow.Engine.
type Starter interface {
	Start(ctx context.Context, def *workflow.Definition, ev workflow.Event) (*workflow.Execution, error)
}

// Publisher is what application code uses to emit events. The in-process
// Dispatcher and the NATS Relay both satisfy it.
type Publisher interface {
	PublishEvent(ctx context.Context, name string, data any) error
}

// Dispatcher matches events against the registration table and starts one
// execution per subscribed definition.
type Dispatcher struct {
	registry *workflow.Registry
	starter  Starter
	schemas  *schema.EventRegistry
	now      func() time.Time
	newID    func() string
}

var _ Publisher = (*Dispatcher)(nil)

func NewDispatcher(registry *workflow.Registry, starter Starter) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		starter:  starter,
		now:      func() time.Time { return time.Now().UTC() },
		newID:    uuid.NewString,
	}
}

// WithSchemas validates payloads of events that have a schema before dispatch.
func (d *Dispatcher) WithSchemas(s *schema.EventRegistry) *Dispatcher {
	d.schemas = s
	return d
}

// RegisterDefinition adds a definition to the registration table.
func (d *Dispatcher) RegisterDefinition(def *workflow.Definition) error {
	return d.registry.Register(def)
}

// Validate checks the event name and, when a schema exists, its payload.
func (d *Dispatcher) Validate(ev workflow.Event) error {
	return validate(d.schemas, ev)
}

func validate(schemas *schema.EventRegistry, ev workflow.Event) error {
	if strings.TrimSpace(ev.Name) == "" {
		return fmt.Errorf("%w: name required", ErrInvalidEvent)
	}
	if !validSubjectName(ev.Name) {
		return fmt.Errorf("%w: %q is not a valid event name", ErrInvalidEvent, ev.Name)
	}
	if len(ev.Data) > 0 && !json.Valid(ev.Data) {
		return fmt.Errorf("%w: %s payload is not valid JSON", ErrInvalidEvent, ev.Name)
	}
	if err := schemas.Validate(ev.Name, ev.Data); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidEvent, ev.Name, err)
	}
	return nil
}

// validSubjectName reports whether name can be used as the tail of a NATS
// subject: dot separated non-empty tokens without whitespace or wildcards.
func validSubjectName(name string) bool {
	if strings.ContainsAny(name, "*>") || strings.ContainsFunc(name, unicode.IsSpace) {
		return false
	}
	for _, token := range strings.Split(name, ".") {
		if token == "" {
			return false
		}
	}
	return true
}

// Publish hands the event to every subscribed definition and returns the
// ids of the executions it started. It never waits for an execution and
// never reports step errors; failures to start are logged.
func (d *Dispatcher) Publish(ctx context.Context, ev workflow.Event) []string {
	ids, _ := d.dispatch(ctx, ev)
	return ids
}

// dispatch starts every subscribed definition and reports the last start failure.
func (d *Dispatcher) dispatch(ctx context.Context, ev workflow.Event) ([]string, error) {
	if ev.ID == "" {
		ev.ID = d.newID()
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = d.now()
	}
	defs := d.registry.ForEvent(ev.Name)
	if len(defs) == 0 {
		logging.Debug(component, "no subscribers", "event", ev.Name)
		return nil, nil
	}
	ids := make([]string, 0, len(defs))
	var lastErr error
	for _, def := range defs {
		exec, err := d.starter.Start(ctx, def, ev)
		if err != nil {
			logging.Error(component, "start execution failed", "event", ev.Name, "definition", def.ID, "error", err)
			lastErr = err
			continue
		}
		ids = append(ids, exec.ID)
	}
	return ids, lastErr
}

// PublishEvent encodes data, validates the event and publishes it.
func (d *Dispatcher) PublishEvent(ctx context.Context, name string, data any) error {
	ev, err := NewEvent(name, data)
	if err != nil {
		return err
	}
	if err := d.Validate(ev); err != nil {
		return err
	}
	d.Publish(ctx, ev)
	return nil
}

// Attach consumes events relayed over the bus and dispatches them locally.
func (d *Dispatcher) Attach(b bus.Bus) error {
	return b.Subscribe(bus.SubjectEvents, QueueEngine, func(data []byte) error {
		var ev workflow.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			logging.Warn(component, "drop undecodable event", "error", err)
			return nil
		}
		if err := d.Validate(ev); err != nil {
			logging.Warn(component, "drop invalid event", "event", ev.Name, "error", err)
			return nil
		}
		// Redeliver only when nothing started, so partial fan-out is not duplicated.
		if ids, err := d.dispatch(context.Background(), ev); err != nil && len(ids) == 0 {
			return bus.RetryAfter(err, redeliverDelay)
		}
		return nil
	})
}

// NewEvent builds an event from any JSON-encodable payload.
func NewEvent(name string, data any) (workflow.Event, error) {
	ev := workflow.Event{Name: strings.TrimSpace(name)}
	switch v := data.(type) {
	case nil:
	case json.RawMessage:
		ev.Data = v
	case []byte:
		ev.Data = json.RawMessage(v)
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return workflow.Event{}, fmt.Errorf("%w: encode %s payload: %v", ErrInvalidEvent, name, err)
		}
		ev.Data = raw
	}
	return ev, nil
}
