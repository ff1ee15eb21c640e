package flows

import (
	"context"
	"strings"
	"time"

	"github.com/pingup/pingup/core/infra/repository"
	"github.com/pingup/pingup/core/workflow"
)

type storyPayload struct {
	StoryID string `json:"storyId"`
}

type storyResult struct {
	StoryID string `json:"story_id"`
	Deleted bool   `json:"deleted"`
}

// deleteStory waits out the story lifetime, measured from when the story
// event occurred, then removes it.
func deleteStory(d Deps) *workflow.Definition {
	ttl := hours(d.Policy.Delays.StoryTTLHours)
	return &workflow.Definition{
		ID:      DeleteStoryID,
		Trigger: workflow.Trigger{Event: EventStoryDelete},
		Steps: []workflow.StepSpec{
			workflow.SleepUntil("wait-for-story-expiry", func(sc *workflow.StepContext) (time.Time, error) {
				return sc.TriggeredAt().Add(ttl), nil
			}),
			workflow.Run("delete-story", func(ctx context.Context, sc *workflow.StepContext) (any, error) {
				var p storyPayload
				if err := sc.Decode(&p); err != nil {
					return nil, err
				}
				if strings.TrimSpace(p.StoryID) == "" {
					return nil, workflow.Permanentf("story payload missing storyId")
				}
				deleted, err := d.Repo.DeleteByID(ctx, repository.Stories, p.StoryID)
				if err != nil {
					return nil, stepError(err)
				}
				if !deleted {
					return workflow.Skip(storyResult{StoryID: p.StoryID}), nil
				}
				return storyResult{StoryID: p.StoryID, Deleted: true}, nil
			}),
		},
	}
}
