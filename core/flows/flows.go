// Package flows holds the application workflows: identity sync, connection
// request reminders, story expiry and the unseen-messages digest.
package flows

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/pingup/pingup/core/infra/config"
	"github.com/pingup/pingup/core/infra/notify"
	"github.com/pingup/pingup/core/infra/repository"
	"github.com/pingup/pingup/core/live"
	"github.com/pingup/pingup/core/workflow"
)

const component = "flows"

// Event names the workflows subscribe to.
const (
	EventUserCreated         = "user.created"
	EventUserUpdated         = "user.updated"
	EventUserDeleted         = "user.deleted"
	EventConnectionRequested = "connection.requested"
	EventStoryDelete         = "story.delete"
)

// Definition ids.
const (
	SyncUserID           = "sync-user-from-identity"
	UpdateUserID         = "update-user-from-identity"
	DeleteUserID         = "delete-user-from-identity"
	ConnectionReminderID = "send-new-connection-request-reminder"
	DeleteStoryID        = "delete-story"
	UnseenDigestID       = "unseen-messages-digest"
)

// LiveConnectionEvent is pushed to the recipient of a connection request.
const LiveConnectionEvent = "connection_request"

// Deps are the adapters the workflows call.
type Deps struct {
	Repo        repository.Repository
	Notifier    notify.Notifier
	Pusher      live.Pusher
	Policy      *config.Policy
	FrontendURL string
	// Suffix returns the random numeric suffix for a taken username.
	Suffix func() int
}

func (d *Deps) defaults() {
	if d.Policy == nil {
		d.Policy = config.DefaultPolicy()
	}
	if d.Suffix == nil {
		d.Suffix = func() int { return rand.IntN(10000) }
	}
}

// Definitions builds every enabled workflow.
func Definitions(d Deps) ([]*workflow.Definition, error) {
	if d.Repo == nil {
		return nil, fmt.Errorf("repository required")
	}
	if d.Notifier == nil {
		return nil, fmt.Errorf("notifier required")
	}
	d.defaults()
	defs := []*workflow.Definition{
		syncUser(d),
		updateUser(d),
		deleteUser(d),
		connectionReminder(d),
		deleteStory(d),
	}
	if d.Policy.DigestEnabled() {
		defs = append(defs, unseenDigest(d))
	}
	out := defs[:0]
	for _, def := range defs {
		if wp, ok := d.Policy.Workflows[def.ID]; ok && wp.Disabled {
			continue
		}
		out = append(out, def)
	}
	return out, nil
}

// Register adds every enabled workflow to reg.
func Register(reg *workflow.Registry, d Deps) error {
	defs, err := Definitions(d)
	if err != nil {
		return err
	}
	for _, def := range defs {
		if err := reg.Register(def); err != nil {
			return err
		}
	}
	return nil
}

func hours(h float64) time.Duration {
	return time.Duration(h * float64(time.Hour))
}

// stepError maps adapter failures onto the step error taxonomy.
func stepError(err error) error {
	if err == nil {
		return nil
	}
	var tr *workflow.TransientError
	if workflow.IsPermanent(err) || errors.As(err, &tr) {
		return err
	}
	var nerr *notify.Error
	if errors.As(err, &nerr) && nerr.Permanent {
		return workflow.Permanent(err)
	}
	if errors.Is(err, repository.ErrNotFound) {
		return workflow.Permanent(err)
	}
	return workflow.Transient(err)
}

func loadUser(ctx context.Context, repo repository.Repository, id string) (repository.User, error) {
	var u repository.User
	doc, err := repo.FindByID(ctx, repository.Users, id)
	if err != nil {
		return u, fmt.Errorf("load user %s: %w", id, err)
	}
	if err := doc.Decode(&u); err != nil {
		return u, workflow.Permanent(err)
	}
	return u, nil
}
