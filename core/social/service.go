// Package social implements the messaging, story and connection actions
// the gateway exposes.
package social

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/pingup/pingup/core/infra/media"
	"github.com/pingup/pingup/core/infra/repository"
	"github.com/pingup/pingup/core/live"
)

const component = "social"

// EventNewMessage is pushed to a message recipient.
const EventNewMessage = "new_message"

var (
	ErrInvalid  = errors.New("invalid request")
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
)

// EventPublisher hands domain events to the workflow side.
type EventPublisher interface {
	PublishEvent(ctx context.Context, name string, data any) error
}

// Upload is a file attached to a request.
type Upload struct {
	Name string
	Data []byte
}

// Service is the application layer over the repository.
type Service struct {
	repo   repository.Repository
	media  media.Store
	pusher live.Pusher
	events EventPublisher
}

func NewService(repo repository.Repository, store media.Store, pusher live.Pusher, events EventPublisher) *Service {
	return &Service{
		repo:   repo,
		media:  store,
		pusher: pusher,
		events: events,
	}
}

func (s *Service) upload(ctx context.Context, up *Upload, expiring bool) (string, error) {
	if s.media == nil {
		return "", fmt.Errorf("media store not configured")
	}
	var (
		url string
		err error
	)
	if expiring {
		url, err = s.media.UploadExpiring(ctx, up.Data, up.Name)
	} else {
		url, err = s.media.Upload(ctx, up.Data, up.Name)
	}
	if errors.Is(err, media.ErrEmpty) || errors.Is(err, media.ErrTooLarge) {
		return "", fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return url, err
}

func (s *Service) user(ctx context.Context, id string) (*repository.User, error) {
	doc, err := s.repo.FindByID(ctx, repository.Users, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("%w: user %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	var u repository.User
	if err := doc.Decode(&u); err != nil {
		return nil, err
	}
	return &u, nil
}

// users loads a set of users keyed by id; missing ids are left out.
func (s *Service) users(ctx context.Context, ids []string) (map[string]*repository.User, error) {
	out := map[string]*repository.User{}
	if len(ids) == 0 {
		return out, nil
	}
	docs, err := s.repo.Find(ctx, repository.Users, repository.Filter{"_id": repository.In(ids...)}, repository.FindOptions{})
	if err != nil {
		return nil, err
	}
	users, err := repository.DecodeAll[repository.User](docs)
	if err != nil {
		return nil, err
	}
	for i := range users {
		out[users[i].ID] = &users[i]
	}
	return out, nil
}

func required(field, v string) error {
	if strings.TrimSpace(v) == "" {
		return fmt.Errorf("%w: %s required", ErrInvalid, field)
	}
	return nil
}

func unique(ids ...string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
