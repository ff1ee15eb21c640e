package social

import (
	"context"
	"errors"
	"fmt"

	"github.com/pingup/pingup/core/infra/repository"
)

// EventConnectionRequested starts the request reminder workflow.
const EventConnectionRequested = "connection.requested"

// RequestConnection creates a pending connection from one user to another.
func (s *Service) RequestConnection(ctx context.Context, from, to string) (repository.Connection, error) {
	if err := required("id", to); err != nil {
		return repository.Connection{}, err
	}
	if from == to {
		return repository.Connection{}, fmt.Errorf("%w: cannot connect to yourself", ErrInvalid)
	}
	if _, err := s.user(ctx, to); err != nil {
		return repository.Connection{}, err
	}
	existing, err := s.repo.FindOne(ctx, repository.Connections, repository.Or(
		repository.Filter{"from_user_id": from, "to_user_id": to},
		repository.Filter{"from_user_id": to, "to_user_id": from},
	))
	switch {
	case err == nil:
		var c repository.Connection
		if err := existing.Decode(&c); err != nil {
			return repository.Connection{}, err
		}
		if c.Status == repository.ConnectionAccepted {
			return c, fmt.Errorf("%w: already connected", ErrConflict)
		}
		return c, fmt.Errorf("%w: connection request pending", ErrConflict)
	case !errors.Is(err, repository.ErrNotFound):
		return repository.Connection{}, err
	}

	doc, err := s.repo.Create(ctx, repository.Connections, repository.Connection{
		FromUserID: from,
		ToUserID:   to,
		Status:     repository.ConnectionPending,
	})
	if err != nil {
		return repository.Connection{}, err
	}
	var conn repository.Connection
	if err := doc.Decode(&conn); err != nil {
		return repository.Connection{}, err
	}
	if s.events != nil {
		if err := s.events.PublishEvent(ctx, EventConnectionRequested, map[string]string{"connectionId": conn.ID}); err != nil {
			return conn, fmt.Errorf("publish connection request: %w", err)
		}
	}
	return conn, nil
}

// AcceptConnection accepts the pending request from `from` to user and
// links both users.
func (s *Service) AcceptConnection(ctx context.Context, user, from string) (repository.Connection, error) {
	if err := required("id", from); err != nil {
		return repository.Connection{}, err
	}
	doc, err := s.repo.FindOne(ctx, repository.Connections, repository.Filter{"from_user_id": from, "to_user_id": user})
	if errors.Is(err, repository.ErrNotFound) {
		return repository.Connection{}, fmt.Errorf("%w: connection request", ErrNotFound)
	}
	if err != nil {
		return repository.Connection{}, err
	}
	var conn repository.Connection
	if err := doc.Decode(&conn); err != nil {
		return repository.Connection{}, err
	}
	if conn.Status == repository.ConnectionAccepted {
		return conn, nil
	}
	if err := s.repo.UpdateByID(ctx, repository.Users, user, repository.Patch{"$addToSet": map[string]any{"connections": from}}); err != nil {
		return conn, err
	}
	if err := s.repo.UpdateByID(ctx, repository.Users, from, repository.Patch{"$addToSet": map[string]any{"connections": user}}); err != nil {
		return conn, err
	}
	if err := s.repo.UpdateByID(ctx, repository.Connections, conn.ID, repository.Patch{"status": repository.ConnectionAccepted}); err != nil {
		return conn, err
	}
	conn.Status = repository.ConnectionAccepted
	return conn, nil
}
