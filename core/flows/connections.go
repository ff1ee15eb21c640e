package flows

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/pingup/pingup/core/infra/logging"
	"github.com/pingup/pingup/core/infra/repository"
	"github.com/pingup/pingup/core/infra/templates"
	"github.com/pingup/pingup/core/workflow"
)

type connectionPayload struct {
	ConnectionID string `json:"connectionId"`
}

type connectionView struct {
	Connection repository.Connection
	From       repository.User
	To         repository.User
}

type mailResult struct {
	Message string `json:"message"`
	SentTo  string `json:"sent_to,omitempty"`
}

func loadConnection(ctx context.Context, repo repository.Repository, sc *workflow.StepContext) (connectionView, error) {
	var view connectionView
	var p connectionPayload
	if err := sc.Decode(&p); err != nil {
		return view, err
	}
	if strings.TrimSpace(p.ConnectionID) == "" {
		return view, workflow.Permanentf("connection payload missing connectionId")
	}
	doc, err := repo.FindByID(ctx, repository.Connections, p.ConnectionID)
	if err != nil {
		return view, fmt.Errorf("load connection %s: %w", p.ConnectionID, err)
	}
	if err := doc.Decode(&view.Connection); err != nil {
		return view, workflow.Permanent(err)
	}
	if view.From, err = loadUser(ctx, repo, view.Connection.FromUserID); err != nil {
		return view, err
	}
	if view.To, err = loadUser(ctx, repo, view.Connection.ToUserID); err != nil {
		return view, err
	}
	return view, nil
}

func (d Deps) sendConnectionMail(ctx context.Context, name string, view connectionView) error {
	mail, err := templates.Render(name, templates.ConnectionData{
		RecipientName: view.To.FullName,
		SenderName:    view.From.FullName,
		SenderHandle:  view.From.Username,
		FrontendURL:   d.FrontendURL,
	})
	if err != nil {
		return workflow.Permanent(err)
	}
	return d.Notifier.Send(ctx, view.To.Email, mail.Subject, mail.Body)
}

func connectionReminder(d Deps) *workflow.Definition {
	delay := hours(d.Policy.Delays.ConnectionReminderHours)
	return &workflow.Definition{
		ID:      ConnectionReminderID,
		Trigger: workflow.Trigger{Event: EventConnectionRequested},
		Steps: []workflow.StepSpec{
			workflow.Run("send-connection-request-email", func(ctx context.Context, sc *workflow.StepContext) (any, error) {
				view, err := loadConnection(ctx, d.Repo, sc)
				if err != nil {
					return nil, stepError(err)
				}
				if err := d.sendConnectionMail(ctx, templates.ConnectionRequest, view); err != nil {
					return nil, stepError(err)
				}
				return mailResult{Message: "Request Email Sent", SentTo: view.To.ID}, nil
			}),
			workflow.Run("push-connection-request", func(ctx context.Context, sc *workflow.StepContext) (any, error) {
				if d.Pusher == nil {
					return workflow.Skip(map[string]bool{"delivered": false}), nil
				}
				view, err := loadConnection(ctx, d.Repo, sc)
				if err != nil {
					return nil, stepError(err)
				}
				delivered := d.Pusher.Push(view.To.ID, LiveConnectionEvent, map[string]any{
					"connection": view.Connection,
					"from_user":  view.From,
				})
				return map[string]bool{"delivered": delivered}, nil
			}),
			workflow.Sleep("wait-for-reminder", delay),
			workflow.Run("send-connection-request-reminder", func(ctx context.Context, sc *workflow.StepContext) (any, error) {
				view, err := loadConnection(ctx, d.Repo, sc)
				if errors.Is(err, repository.ErrNotFound) {
					return workflow.Skip(mailResult{Message: "Connection no longer exists"}), nil
				}
				if err != nil {
					return nil, stepError(err)
				}
				if view.Connection.Status == repository.ConnectionAccepted {
					return workflow.Skip(mailResult{Message: "Connection already accepted"}), nil
				}
				if err := d.sendConnectionMail(ctx, templates.ConnectionReminder, view); err != nil {
					return nil, stepError(err)
				}
				logging.Info(component, "connection reminder sent", "connection_id", view.Connection.ID)
				return mailResult{Message: "Reminder Email Sent", SentTo: view.To.ID}, nil
			}),
		},
	}
}
