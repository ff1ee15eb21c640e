package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/pingup/pingup/core/infra/bus"
	"github.com/pingup/pingup/core/infra/schema"
	"github.com/pingup/pingup/core/workflow"
)

type stubStarter struct {
	mu      sync.Mutex
	started []string
	events  []workflow.Event
	fail    map[string]error
}

func (s *stubStarter) Start(ctx context.Context, def *workflow.Definition, ev workflow.Event) (*workflow.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail[def.ID]; err != nil {
		return nil, err
	}
	s.started = append(s.started, def.ID)
	s.events = append(s.events, ev)
	return &workflow.Execution{ID: "exec-" + def.ID, DefinitionID: def.ID}, nil
}

type stubBus struct {
	mu        sync.Mutex
	published map[string][]byte
	msgIDs    map[string]string
	handlers  map[string]func([]byte) error
}

func newStubBus() *stubBus {
	return &stubBus{published: map[string][]byte{}, msgIDs: map[string]string{}, handlers: map[string]func([]byte) error{}}
}

func (b *stubBus) Publish(subject string, v any) error {
	return b.PublishWithID(subject, "", v)
}

func (b *stubBus) PublishWithID(subject, msgID string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.published[subject] = data
	b.msgIDs[subject] = msgID
	b.mu.Unlock()
	return nil
}

func (b *stubBus) Subscribe(subject, queue string, handler func([]byte) error) error {
	b.mu.Lock()
	b.handlers[subject] = handler
	b.mu.Unlock()
	return nil
}

func step(context.Context, *workflow.StepContext) (any, error) { return nil, nil }

func newTestDispatcher(t *testing.T, starter Starter) *Dispatcher {
	t.Helper()
	d := NewDispatcher(workflow.NewRegistry(), starter)
	for _, def := range []*workflow.Definition{
		{ID: "sync-user", Trigger: workflow.Trigger{Event: "user.created"}, Steps: []workflow.StepSpec{workflow.Run("a", step)}},
		{ID: "welcome", Trigger: workflow.Trigger{Event: "user.created"}, Steps: []workflow.StepSpec{workflow.Run("a", step)}},
		{ID: "delete-story", Trigger: workflow.Trigger{Event: "story.delete"}, Steps: []workflow.StepSpec{workflow.Run("a", step)}},
	} {
		if err := d.RegisterDefinition(def); err != nil {
			t.Fatalf("register %s: %v", def.ID, err)
		}
	}
	return d
}

func TestPublishStartsEveryMatchingDefinition(t *testing.T) {
	starter := &stubStarter{}
	d := newTestDispatcher(t, starter)

	ids := d.Publish(context.Background(), workflow.Event{Name: "user.created", Data: json.RawMessage(`{"id":"u1"}`)})
	if len(ids) != 2 {
		t.Fatalf("expected 2 executions, got %v", ids)
	}
	if len(starter.started) != 2 || starter.started[0] != "sync-user" || starter.started[1] != "welcome" {
		t.Fatalf("unexpected started definitions %v", starter.started)
	}
	ev := starter.events[0]
	if ev.ID == "" || ev.OccurredAt.IsZero() {
		t.Fatalf("expected id and occurred_at to be filled: %+v", ev)
	}
	if starter.events[1].ID != ev.ID {
		t.Fatalf("both executions must see the same event")
	}
}

func TestPublishUnknownEventStartsNothing(t *testing.T) {
	starter := &stubStarter{}
	d := newTestDispatcher(t, starter)
	if ids := d.Publish(context.Background(), workflow.Event{Name: "nobody.listens"}); len(ids) != 0 {
		t.Fatalf("expected no executions, got %v", ids)
	}
}

func TestPublishContainsStartFailures(t *testing.T) {
	starter := &stubStarter{fail: map[string]error{"sync-user": errors.New("redis down")}}
	d := newTestDispatcher(t, starter)
	ids := d.Publish(context.Background(), workflow.Event{Name: "user.created"})
	if len(ids) != 1 || ids[0] != "exec-welcome" {
		t.Fatalf("expected the healthy definition to start, got %v", ids)
	}
}

func TestRegisterDefinitionRejectsDuplicates(t *testing.T) {
	d := newTestDispatcher(t, &stubStarter{})
	dup := &workflow.Definition{ID: "welcome", Trigger: workflow.Trigger{Event: "x"}, Steps: []workflow.StepSpec{workflow.Run("a", step)}}
	if err := d.RegisterDefinition(dup); !errors.Is(err, workflow.ErrDuplicateDefinition) {
		t.Fatalf("expected duplicate error, got %v", err)
	}
}

func TestPublishEventValidatesSchema(t *testing.T) {
	schemas, err := schema.NewEventRegistry()
	if err != nil {
		t.Fatalf("schemas: %v", err)
	}
	starter := &stubStarter{}
	d := newTestDispatcher(t, starter).WithSchemas(schemas)

	if err := d.PublishEvent(context.Background(), "story.delete", map[string]any{"wrong": 1}); !errors.Is(err, ErrInvalidEvent) {
		t.Fatalf("expected schema rejection, got %v", err)
	}
	if len(starter.started) != 0 {
		t.Fatalf("invalid event must not start executions")
	}
	if err := d.PublishEvent(context.Background(), "story.delete", map[string]any{"storyId": "s1"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(starter.started) != 1 || starter.started[0] != "delete-story" {
		t.Fatalf("unexpected started %v", starter.started)
	}
	if err := d.PublishEvent(context.Background(), " ", nil); !errors.Is(err, ErrInvalidEvent) {
		t.Fatalf("expected blank name rejection, got %v", err)
	}
}

func TestPublishRejectsNamesThatAreNotSubjectTokens(t *testing.T) {
	starter := &stubStarter{}
	d := newTestDispatcher(t, starter)
	b := newStubBus()
	relay := NewRelay(b, nil)
	for _, name := range []string{"story.*", "user.>", "story delete", "story..delete", ".story", "story.", "story\tdelete"} {
		if err := d.PublishEvent(context.Background(), name, nil); !errors.Is(err, ErrInvalidEvent) {
			t.Fatalf("dispatcher accepted %q: %v", name, err)
		}
		if err := relay.PublishEvent(context.Background(), name, nil); !errors.Is(err, ErrInvalidEvent) {
			t.Fatalf("relay accepted %q: %v", name, err)
		}
	}
	if len(starter.started) != 0 || len(b.published) != 0 {
		t.Fatalf("invalid names must not start or publish: %v %v", starter.started, b.published)
	}
	if err := relay.PublishEvent(context.Background(), "cron:unseen-messages-digest", nil); err != nil {
		t.Fatalf("relay rejected a valid name: %v", err)
	}
}

func TestAttachDispatchesRelayedEvents(t *testing.T) {
	starter := &stubStarter{}
	d := newTestDispatcher(t, starter)
	b := newStubBus()
	if err := d.Attach(b); err != nil {
		t.Fatalf("attach: %v", err)
	}

	relay := NewRelay(b, nil)
	if err := relay.PublishEvent(context.Background(), "story.delete", map[string]string{"storyId": "s1"}); err != nil {
		t.Fatalf("relay: %v", err)
	}
	subject := bus.EventSubject("story.delete")
	payload := b.published[subject]
	if payload == nil {
		t.Fatalf("expected payload on %s", subject)
	}
	if b.msgIDs[subject] == "" {
		t.Fatalf("expected relay to tag the message id")
	}

	handler := b.handlers[bus.SubjectEvents]
	if handler == nil {
		t.Fatalf("expected subscription on %s", bus.SubjectEvents)
	}
	if err := handler(payload); err != nil {
		t.Fatalf("handler: %v", err)
	}
	if err := handler([]byte("garbage")); err != nil {
		t.Fatalf("undecodable events are dropped, got %v", err)
	}
	if len(starter.started) != 1 || starter.started[0] != "delete-story" {
		t.Fatalf("unexpected started %v", starter.started)
	}
	if got := string(starter.events[0].Data); got != `{"storyId":"s1"}` {
		t.Fatalf("unexpected payload %s", got)
	}
}

func TestAttachRequestsRedeliveryWhenNothingStarts(t *testing.T) {
	starter := &stubStarter{fail: map[string]error{"delete-story": errors.New("store down")}}
	d := newTestDispatcher(t, starter)
	b := newStubBus()
	if err := d.Attach(b); err != nil {
		t.Fatalf("attach: %v", err)
	}
	payload, _ := json.Marshal(workflow.Event{ID: "e1", Name: "story.delete", Data: json.RawMessage(`{"storyId":"s1"}`)})
	err := b.handlers[bus.SubjectEvents](payload)
	if delay, ok := bus.RetryDelay(err); !ok || delay != redeliverDelay {
		t.Fatalf("expected redelivery request, got %v", err)
	}

	starter.fail = map[string]error{"sync-user": errors.New("store down")}
	payload, _ = json.Marshal(workflow.Event{ID: "e2", Name: "user.created"})
	if err := b.handlers[bus.SubjectEvents](payload); err != nil {
		t.Fatalf("partial fan-out must be acked, got %v", err)
	}
}
