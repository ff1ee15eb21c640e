package workflow

import (
	"fmt"
	"strings"
	"sync"
)

// Registry is the registration table: definition id -> definition and
// event name -> subscribed definitions. It is filled at startup.
type Registry struct {
	mu      sync.RWMutex
	defs    map[string]*Definition
	order   []string
	byEvent map[string][]*Definition
	conds   *conditions
}

func NewRegistry() *Registry {
	return &Registry{
		defs:    map[string]*Definition{},
		byEvent: map[string][]*Definition{},
		conds:   newConditions(),
	}
}

// Register validates and adds a definition. Duplicate ids are rejected.
func (r *Registry) Register(def *Definition) error {
	if err := r.validate(def); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.defs[def.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateDefinition, def.ID)
	}
	r.defs[def.ID] = def
	r.order = append(r.order, def.ID)
	if def.Trigger.Event != "" {
		r.byEvent[def.Trigger.Event] = append(r.byEvent[def.Trigger.Event], def)
	}
	return nil
}

// Get returns a definition by id.
func (r *Registry) Get(id string) (*Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[id]
	return def, ok
}

// ForEvent returns the definitions subscribed to an event name, in registration order.
func (r *Registry) ForEvent(name string) []*Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := r.byEvent[name]
	out := make([]*Definition, len(defs))
	copy(out, defs)
	return out
}

// Cron returns the cron-triggered definitions.
func (r *Registry) Cron() []*Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Definition
	for _, id := range r.order {
		if def := r.defs[id]; def.Trigger.Cron != "" {
			out = append(out, def)
		}
	}
	return out
}

// All returns every definition in registration order.
func (r *Registry) All() []*Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Definition, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.defs[id])
	}
	return out
}

func (r *Registry) validate(def *Definition) error {
	if def == nil {
		return fmt.Errorf("%w: nil definition", ErrInvalidDefinition)
	}
	if strings.TrimSpace(def.ID) == "" {
		return fmt.Errorf("%w: id required", ErrInvalidDefinition)
	}
	hasEvent := strings.TrimSpace(def.Trigger.Event) != ""
	hasCron := strings.TrimSpace(def.Trigger.Cron) != ""
	if hasEvent == hasCron {
		return fmt.Errorf("%w: %s needs exactly one of event or cron trigger", ErrInvalidDefinition, def.ID)
	}
	if hasCron {
		if _, err := ParseCron(def.Trigger.Cron, def.Trigger.Timezone); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidDefinition, def.ID, err)
		}
	}
	if len(def.Steps) == 0 {
		return fmt.Errorf("%w: %s has no steps", ErrInvalidDefinition, def.ID)
	}
	seen := make(map[string]struct{}, len(def.Steps))
	for i, step := range def.Steps {
		name := strings.TrimSpace(step.Name)
		if name == "" {
			return fmt.Errorf("%w: %s step %d has no name", ErrInvalidDefinition, def.ID, i)
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("%w: %s step %q declared twice", ErrInvalidDefinition, def.ID, name)
		}
		seen[name] = struct{}{}
		switch step.Kind {
		case StepKindRun:
			if step.Body == nil {
				return fmt.Errorf("%w: %s step %q has no body", ErrInvalidDefinition, def.ID, name)
			}
		case StepKindSleepUntil:
			if step.Until == nil {
				return fmt.Errorf("%w: %s step %q has no wake time", ErrInvalidDefinition, def.ID, name)
			}
		default:
			return fmt.Errorf("%w: %s step %q has unknown kind %q", ErrInvalidDefinition, def.ID, name, step.Kind)
		}
		if step.Condition != "" {
			if _, err := r.conds.compile(step.Condition); err != nil {
				return fmt.Errorf("%w: %s step %q: %v", ErrInvalidDefinition, def.ID, name, err)
			}
		}
	}
	return nil
}
