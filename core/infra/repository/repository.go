// Package repository is the persistence boundary for domain entities
// (users, messages, connections, stories).
package repository

import (
	"context"
	"errors"
	"fmt"
)

// Entity names a collection.
type Entity string

const (
	Users       Entity = "users"
	Messages    Entity = "messages"
	Connections Entity = "connections"
	Stories     Entity = "stories"
)

// ErrNotFound is returned when no document matches.
var ErrNotFound = errors.New("document not found")

// Error wraps connectivity and validation failures from a backend.
type Error struct {
	Op     string
	Entity Entity
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("repository %s %s: %v", e.Op, e.Entity, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func wrap(op string, entity Entity, err error) error {
	if err == nil || errors.Is(err, ErrNotFound) {
		return err
	}
	return &Error{Op: op, Entity: entity, Err: err}
}

// Filter matches documents. Plain keys test equality (an array field matches
// when any element is equal), {"field": {"$in": [...]}} tests membership and
// {"$or": []Filter{...}} matches when any branch does.
type Filter map[string]any

// Patch is either a plain field map (applied as $set) or an operator
// document using $set, $addToSet or $pull.
type Patch map[string]any

// Sort orders by one field.
type Sort struct {
	Field string
	Desc  bool
}

// FindOptions controls Find.
type FindOptions struct {
	Sort  []Sort
	Limit int64
}

// Repository is the generic store the workflows and services use.
type Repository interface {
	FindOne(ctx context.Context, entity Entity, filter Filter) (Doc, error)
	FindByID(ctx context.Context, entity Entity, id string) (Doc, error)
	Find(ctx context.Context, entity Entity, filter Filter, opts FindOptions) ([]Doc, error)
	Create(ctx context.Context, entity Entity, doc any) (Doc, error)
	// UpdateMany returns the number of documents the filter matched.
	UpdateMany(ctx context.Context, entity Entity, filter Filter, patch Patch) (int64, error)
	UpdateByID(ctx context.Context, entity Entity, id string, patch Patch) error
	DeleteByID(ctx context.Context, entity Entity, id string) (bool, error)
	Close(ctx context.Context) error
}

// In builds an $in clause.
func In[T any](values ...T) map[string]any {
	out := make([]any, 0, len(values))
	for _, v := range values {
		out = append(out, v)
	}
	return map[string]any{"$in": out}
}

// Or builds an $or filter.
func Or(branches ...Filter) Filter {
	return Filter{"$or": branches}
}
