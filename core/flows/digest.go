package flows

import (
	"context"
	"fmt"
	"sort"

	"github.com/pingup/pingup/core/infra/logging"
	"github.com/pingup/pingup/core/infra/repository"
	"github.com/pingup/pingup/core/infra/templates"
	"github.com/pingup/pingup/core/workflow"
)

type unseenCounts struct {
	Counts map[string]int `json:"counts"`
}

type digestResult struct {
	Sent   int `json:"sent"`
	Failed int `json:"failed"`
}

// unseenDigest emails every user with unseen messages once per cron tick.
// Individual send failures are logged and not retried so that recipients
// who already got the digest are not mailed twice.
func unseenDigest(d Deps) *workflow.Definition {
	return &workflow.Definition{
		ID: UnseenDigestID,
		Trigger: workflow.Trigger{
			Cron:     d.Policy.Digest.Cron,
			Timezone: d.Policy.Digest.Timezone,
		},
		Steps: []workflow.StepSpec{
			workflow.Run("collect-unseen-counts", func(ctx context.Context, sc *workflow.StepContext) (any, error) {
				docs, err := d.Repo.Find(ctx, repository.Messages, repository.Filter{"seen": false}, repository.FindOptions{})
				if err != nil {
					return nil, stepError(err)
				}
				msgs, err := repository.DecodeAll[repository.Message](docs)
				if err != nil {
					return nil, workflow.Permanent(err)
				}
				counts := map[string]int{}
				for _, m := range msgs {
					if m.ToUserID != "" {
						counts[m.ToUserID]++
					}
				}
				return unseenCounts{Counts: counts}, nil
			}),
			workflow.Run("send-digest-emails", func(ctx context.Context, sc *workflow.StepContext) (any, error) {
				var in unseenCounts
				if _, err := sc.Result("collect-unseen-counts", &in); err != nil {
					return nil, workflow.Permanent(err)
				}
				users := make([]string, 0, len(in.Counts))
				for id := range in.Counts {
					users = append(users, id)
				}
				sort.Strings(users)

				var out digestResult
				var lastErr error
				for _, id := range users {
					if err := d.sendDigest(ctx, id, in.Counts[id]); err != nil {
						out.Failed++
						lastErr = err
						logging.Warn(component, "digest not sent", "user_id", id, "error", err)
						continue
					}
					out.Sent++
				}
				if out.Sent == 0 && lastErr != nil {
					return nil, stepError(fmt.Errorf("no digest delivered: %w", lastErr))
				}
				return out, nil
			}).When(`len(steps["collect-unseen-counts"].counts) > 0`),
		},
	}
}

func (d Deps) sendDigest(ctx context.Context, userID string, count int) error {
	user, err := loadUser(ctx, d.Repo, userID)
	if err != nil {
		return err
	}
	mail, err := templates.Render(templates.UnseenDigest, templates.DigestData{
		RecipientName: user.FullName,
		UnseenCount:   count,
		FrontendURL:   d.FrontendURL,
	})
	if err != nil {
		return err
	}
	return d.Notifier.Send(ctx, user.Email, mail.Subject, mail.Body)
}
