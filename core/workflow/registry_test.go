package workflow

import (
	"context"
	"errors"
	"testing"
	"time"
)

func noopBody(context.Context, *StepContext) (any, error) { return nil, nil }

func TestRegistryRejectsDuplicateIDs(t *testing.T) {
	reg := NewRegistry()
	def := &Definition{ID: "sync-user", Trigger: Trigger{Event: "user.created"}, Steps: []StepSpec{Run("a", noopBody)}}
	if err := reg.Register(def); err != nil {
		t.Fatalf("register: %v", err)
	}
	dup := &Definition{ID: "sync-user", Trigger: Trigger{Event: "user.updated"}, Steps: []StepSpec{Run("a", noopBody)}}
	if err := reg.Register(dup); !errors.Is(err, ErrDuplicateDefinition) {
		t.Fatalf("expected ErrDuplicateDefinition, got %v", err)
	}
	if got := reg.ForEvent("user.updated"); len(got) != 0 {
		t.Fatalf("rejected definition must not be subscribed")
	}
}

func TestRegistryForEventKeepsOrder(t *testing.T) {
	reg := NewRegistry()
	for _, id := range []string{"first", "second"} {
		def := &Definition{ID: id, Trigger: Trigger{Event: "user.created"}, Steps: []StepSpec{Run("a", noopBody)}}
		if err := reg.Register(def); err != nil {
			t.Fatalf("register %s: %v", id, err)
		}
	}
	cron := &Definition{ID: "digest", Trigger: Trigger{Cron: "@daily"}, Steps: []StepSpec{Run("a", noopBody)}}
	if err := reg.Register(cron); err != nil {
		t.Fatalf("register cron: %v", err)
	}

	defs := reg.ForEvent("user.created")
	if len(defs) != 2 || defs[0].ID != "first" || defs[1].ID != "second" {
		t.Fatalf("unexpected subscribers %+v", defs)
	}
	if got := reg.ForEvent("unknown"); len(got) != 0 {
		t.Fatalf("expected no subscribers, got %d", len(got))
	}
	if crons := reg.Cron(); len(crons) != 1 || crons[0].ID != "digest" {
		t.Fatalf("unexpected cron definitions %+v", crons)
	}
	if all := reg.All(); len(all) != 3 {
		t.Fatalf("expected 3 definitions, got %d", len(all))
	}
}

func TestRegistryValidation(t *testing.T) {
	cases := map[string]*Definition{
		"missing id":    {Trigger: Trigger{Event: "e"}, Steps: []StepSpec{Run("a", noopBody)}},
		"no trigger":    {ID: "x", Steps: []StepSpec{Run("a", noopBody)}},
		"both triggers": {ID: "x", Trigger: Trigger{Event: "e", Cron: "@daily"}, Steps: []StepSpec{Run("a", noopBody)}},
		"bad cron":      {ID: "x", Trigger: Trigger{Cron: "not a cron"}, Steps: []StepSpec{Run("a", noopBody)}},
		"bad timezone":  {ID: "x", Trigger: Trigger{Cron: "@daily", Timezone: "Mars/Olympus"}, Steps: []StepSpec{Run("a", noopBody)}},
		"no steps":      {ID: "x", Trigger: Trigger{Event: "e"}},
		"dup steps":     {ID: "x", Trigger: Trigger{Event: "e"}, Steps: []StepSpec{Run("a", noopBody), Sleep("a", time.Second)}},
		"nil body":      {ID: "x", Trigger: Trigger{Event: "e"}, Steps: []StepSpec{Run("a", nil)}},
		"bad condition": {ID: "x", Trigger: Trigger{Event: "e"}, Steps: []StepSpec{Run("a", noopBody).When("input.(")}},
	}
	for name, def := range cases {
		t.Run(name, func(t *testing.T) {
			if err := NewRegistry().Register(def); !errors.Is(err, ErrInvalidDefinition) {
				t.Fatalf("expected ErrInvalidDefinition, got %v", err)
			}
		})
	}
}
