package flows

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/pingup/pingup/core/infra/logging"
	"github.com/pingup/pingup/core/infra/repository"
	"github.com/pingup/pingup/core/workflow"
)

// identityPayload is what the identity provider webhook relays. Either a
// flat email or the provider's email_addresses list is accepted.
type identityPayload struct {
	ID             string  `json:"id"`
	Email          string  `json:"email"`
	FirstName      *string `json:"first_name"`
	LastName       *string `json:"last_name"`
	ImageURL       *string `json:"image_url"`
	EmailAddresses []struct {
		EmailAddress string `json:"email_address"`
	} `json:"email_addresses"`
}

func (p identityPayload) primaryEmail() string {
	if e := strings.TrimSpace(p.Email); e != "" {
		return e
	}
	for _, a := range p.EmailAddresses {
		if e := strings.TrimSpace(a.EmailAddress); e != "" {
			return e
		}
	}
	return ""
}

func (p identityPayload) fullName() string {
	var parts []string
	for _, s := range []*string{p.FirstName, p.LastName} {
		if s != nil && strings.TrimSpace(*s) != "" {
			parts = append(parts, strings.TrimSpace(*s))
		}
	}
	return strings.Join(parts, " ")
}

func (p identityPayload) image() string {
	if p.ImageURL == nil {
		return ""
	}
	return *p.ImageURL
}

func decodeIdentity(sc *workflow.StepContext) (identityPayload, error) {
	var p identityPayload
	if err := sc.Decode(&p); err != nil {
		return p, err
	}
	if strings.TrimSpace(p.ID) == "" {
		return p, workflow.Permanentf("identity payload missing id")
	}
	return p, nil
}

type usernameResult struct {
	Username string `json:"username"`
}

type userResult struct {
	UserID  string `json:"user_id"`
	Existed bool   `json:"existed,omitempty"`
	Found   *bool  `json:"found,omitempty"`
}

func syncUser(d Deps) *workflow.Definition {
	return &workflow.Definition{
		ID:      SyncUserID,
		Trigger: workflow.Trigger{Event: EventUserCreated},
		Steps: []workflow.StepSpec{
			workflow.Run("derive-username", func(ctx context.Context, sc *workflow.StepContext) (any, error) {
				p, err := decodeIdentity(sc)
				if err != nil {
					return nil, err
				}
				email := p.primaryEmail()
				if email == "" {
					return nil, workflow.Permanentf("identity %s has no email address", p.ID)
				}
				username := strings.ToLower(strings.SplitN(email, "@", 2)[0])
				existing, err := d.Repo.FindOne(ctx, repository.Users, repository.Filter{"username": username})
				switch {
				case errors.Is(err, repository.ErrNotFound):
				case err != nil:
					return nil, stepError(err)
				case existing.ID() != p.ID:
					username = fmt.Sprintf("%s%d", username, d.Suffix())
				}
				return usernameResult{Username: username}, nil
			}),
			workflow.Run("create-user", func(ctx context.Context, sc *workflow.StepContext) (any, error) {
				p, err := decodeIdentity(sc)
				if err != nil {
					return nil, err
				}
				var derived usernameResult
				if ok, err := sc.Result("derive-username", &derived); err != nil || !ok {
					return nil, workflow.Permanentf("username was not derived")
				}
				if _, err := d.Repo.FindByID(ctx, repository.Users, p.ID); err == nil {
					return workflow.Skip(userResult{UserID: p.ID, Existed: true}), nil
				} else if !errors.Is(err, repository.ErrNotFound) {
					return nil, stepError(err)
				}
				user := repository.User{
					ID:             p.ID,
					Email:          p.primaryEmail(),
					FullName:       p.fullName(),
					Username:       derived.Username,
					ProfilePicture: p.image(),
					Followers:      []string{},
					Following:      []string{},
					Connections:    []string{},
				}
				if _, err := d.Repo.Create(ctx, repository.Users, user); err != nil {
					return nil, stepError(err)
				}
				logging.Info(component, "user created", "user_id", p.ID, "username", derived.Username)
				return userResult{UserID: p.ID}, nil
			}),
		},
	}
}

func updateUser(d Deps) *workflow.Definition {
	return &workflow.Definition{
		ID:      UpdateUserID,
		Trigger: workflow.Trigger{Event: EventUserUpdated},
		Steps: []workflow.StepSpec{
			workflow.Run("update-user", func(ctx context.Context, sc *workflow.StepContext) (any, error) {
				p, err := decodeIdentity(sc)
				if err != nil {
					return nil, err
				}
				patch := repository.Patch{
					"full_name":       p.fullName(),
					"profile_picture": p.image(),
				}
				if email := p.primaryEmail(); email != "" {
					patch["email"] = email
				}
				err = d.Repo.UpdateByID(ctx, repository.Users, p.ID, patch)
				if errors.Is(err, repository.ErrNotFound) {
					logging.Warn(component, "user not found for update", "user_id", p.ID)
					found := false
					return workflow.Skip(userResult{UserID: p.ID, Found: &found}), nil
				}
				if err != nil {
					return nil, stepError(err)
				}
				return userResult{UserID: p.ID}, nil
			}),
		},
	}
}

func deleteUser(d Deps) *workflow.Definition {
	return &workflow.Definition{
		ID:      DeleteUserID,
		Trigger: workflow.Trigger{Event: EventUserDeleted},
		Steps: []workflow.StepSpec{
			workflow.Run("delete-user", func(ctx context.Context, sc *workflow.StepContext) (any, error) {
				p, err := decodeIdentity(sc)
				if err != nil {
					return nil, err
				}
				deleted, err := d.Repo.DeleteByID(ctx, repository.Users, p.ID)
				if err != nil {
					return nil, stepError(err)
				}
				if !deleted {
					logging.Warn(component, "user not found for deletion", "user_id", p.ID)
					found := false
					return workflow.Skip(userResult{UserID: p.ID, Found: &found}), nil
				}
				return userResult{UserID: p.ID}, nil
			}),
		},
	}
}
