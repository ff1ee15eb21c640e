package eventbus

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pingup/pingup/core/infra/bus"
	"github.com/pingup/pingup/core/infra/schema"
	"github.com/pingup/pingup/core/workflow"
)

// IDPublisher is a bus that can tag messages for broker-side dedupe.
type IDPublisher interface {
	PublishWithID(subject, msgID string, v any) error
}

// Relay forwards events to a remote workflow-engine service over the bus.
type Relay struct {
	bus     bus.Bus
	schemas *schema.EventRegistry
}

var _ Publisher = (*Relay)(nil)

func NewRelay(b bus.Bus, schemas *schema.EventRegistry) *Relay {
	return &Relay{bus: b, schemas: schemas}
}

// Publish stamps the event and sends it on its event subject.
func (r *Relay) Publish(ev workflow.Event) error {
	if err := validate(r.schemas, ev); err != nil {
		return err
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	subject := bus.EventSubject(ev.Name)
	if p, ok := r.bus.(IDPublisher); ok {
		return p.PublishWithID(subject, ev.ID, ev)
	}
	return r.bus.Publish(subject, ev)
}

func (r *Relay) PublishEvent(_ context.Context, name string, data any) error {
	ev, err := NewEvent(name, data)
	if err != nil {
		return err
	}
	return r.Publish(ev)
}
