package social

import (
	"context"
	"fmt"

	"github.com/pingup/pingup/core/infra/repository"
)

// EventStoryDelete schedules expiry of a story.
const EventStoryDelete = "story.delete"

// StoryView is a story with its author populated.
type StoryView struct {
	repository.Story
	Author *repository.User `json:"user"`
}

// StoryInput is what a user submits for a new story.
type StoryInput struct {
	Content         string
	MediaType       string
	BackgroundColor string
	Media           *Upload
}

// AddStory stores a story and schedules its deletion.
func (s *Service) AddStory(ctx context.Context, user string, in StoryInput) (repository.Story, error) {
	if err := required("user", user); err != nil {
		return repository.Story{}, err
	}
	story := repository.Story{
		User:            user,
		Content:         in.Content,
		MediaType:       in.MediaType,
		BackgroundColor: in.BackgroundColor,
		ViewsCount:      []string{},
	}
	switch in.MediaType {
	case "image", "video":
		if in.Media == nil {
			return repository.Story{}, fmt.Errorf("%w: %s story requires media", ErrInvalid, in.MediaType)
		}
		url, err := s.upload(ctx, in.Media, true)
		if err != nil {
			return repository.Story{}, err
		}
		story.MediaURL = url
	case "text", "":
		if err := required("content", in.Content); err != nil {
			return repository.Story{}, err
		}
		story.MediaType = "text"
	default:
		return repository.Story{}, fmt.Errorf("%w: unknown media_type %q", ErrInvalid, in.MediaType)
	}
	doc, err := s.repo.Create(ctx, repository.Stories, story)
	if err != nil {
		return repository.Story{}, err
	}
	if err := doc.Decode(&story); err != nil {
		return repository.Story{}, err
	}
	if s.events != nil {
		if err := s.events.PublishEvent(ctx, EventStoryDelete, map[string]string{"storyId": story.ID}); err != nil {
			return story, fmt.Errorf("schedule story deletion: %w", err)
		}
	}
	return story, nil
}

// Stories returns stories from the user, their connections and the
// accounts they follow, newest first.
func (s *Service) Stories(ctx context.Context, user string) ([]StoryView, error) {
	me, err := s.user(ctx, user)
	if err != nil {
		return nil, err
	}
	ids := unique(append(append([]string{user}, me.Connections...), me.Following...)...)
	docs, err := s.repo.Find(ctx, repository.Stories, repository.Filter{"user": repository.In(ids...)},
		repository.FindOptions{Sort: []repository.Sort{{Field: "createdAt", Desc: true}}})
	if err != nil {
		return nil, err
	}
	stories, err := repository.DecodeAll[repository.Story](docs)
	if err != nil {
		return nil, err
	}
	authors, err := s.users(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make([]StoryView, 0, len(stories))
	for _, st := range stories {
		out = append(out, StoryView{Story: st, Author: authors[st.User]})
	}
	return out, nil
}
