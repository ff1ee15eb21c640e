package social

import (
	"context"
	"strings"

	"github.com/pingup/pingup/core/infra/logging"
	"github.com/pingup/pingup/core/infra/repository"
)

// MessageView is a message with its participants populated.
type MessageView struct {
	repository.Message
	From *repository.User `json:"from_user_id"`
	To   *repository.User `json:"to_user_id"`
}

// fill stands in an id-only user for participants that no longer exist.
func (v *MessageView) fill() {
	if v.From == nil {
		v.From = &repository.User{ID: v.FromUserID}
	}
	if v.To == nil {
		v.To = &repository.User{ID: v.ToUserID}
	}
}

// SendMessage stores a message and pushes it to the recipient if they are
// connected. Delivered reports whether the live push went out.
func (s *Service) SendMessage(ctx context.Context, from, to, text string, image *Upload) (MessageView, bool, error) {
	if err := required("from_user_id", from); err != nil {
		return MessageView{}, false, err
	}
	if err := required("to_user_id", to); err != nil {
		return MessageView{}, false, err
	}
	if strings.TrimSpace(text) == "" && image == nil {
		return MessageView{}, false, required("text", text)
	}
	msg := repository.Message{
		FromUserID:  from,
		ToUserID:    to,
		Text:        text,
		MessageType: repository.MessageText,
	}
	if image != nil {
		url, err := s.upload(ctx, image, false)
		if err != nil {
			return MessageView{}, false, err
		}
		msg.MessageType = repository.MessageImage
		msg.MediaURL = url
	}
	doc, err := s.repo.Create(ctx, repository.Messages, msg)
	if err != nil {
		return MessageView{}, false, err
	}
	if err := doc.Decode(&msg); err != nil {
		return MessageView{}, false, err
	}

	view := MessageView{Message: msg}
	if users, err := s.users(ctx, unique(from, to)); err == nil {
		view.From, view.To = users[from], users[to]
	} else {
		logging.Warn(component, "populate message users", "message_id", msg.ID, "error", err)
	}
	view.fill()

	delivered := false
	if s.pusher != nil {
		delivered = s.pusher.Push(to, EventNewMessage, view)
	}
	return view, delivered, nil
}

// ChatMessages returns the conversation between user and other, newest
// first, and marks the messages other sent to user as seen.
func (s *Service) ChatMessages(ctx context.Context, user, other string) ([]repository.Message, error) {
	if err := required("to_user_id", other); err != nil {
		return nil, err
	}
	docs, err := s.repo.Find(ctx, repository.Messages, repository.Or(
		repository.Filter{"from_user_id": user, "to_user_id": other},
		repository.Filter{"from_user_id": other, "to_user_id": user},
	), repository.FindOptions{Sort: []repository.Sort{{Field: "createdAt", Desc: true}}})
	if err != nil {
		return nil, err
	}
	msgs, err := repository.DecodeAll[repository.Message](docs)
	if err != nil {
		return nil, err
	}
	if _, err := s.repo.UpdateMany(ctx, repository.Messages,
		repository.Filter{"from_user_id": other, "to_user_id": user},
		repository.Patch{"seen": true}); err != nil {
		return nil, err
	}
	return msgs, nil
}

// RecentMessages returns messages received by user, newest first, with
// both participants populated.
func (s *Service) RecentMessages(ctx context.Context, user string) ([]MessageView, error) {
	docs, err := s.repo.Find(ctx, repository.Messages, repository.Filter{"to_user_id": user},
		repository.FindOptions{Sort: []repository.Sort{{Field: "createdAt", Desc: true}}})
	if err != nil {
		return nil, err
	}
	msgs, err := repository.DecodeAll[repository.Message](docs)
	if err != nil {
		return nil, err
	}
	ids := []string{user}
	for _, m := range msgs {
		ids = append(ids, m.FromUserID)
	}
	users, err := s.users(ctx, unique(ids...))
	if err != nil {
		return nil, err
	}
	out := make([]MessageView, 0, len(msgs))
	for _, m := range msgs {
		view := MessageView{Message: m, From: users[m.FromUserID], To: users[m.ToUserID]}
		view.fill()
		out = append(out, view)
	}
	return out, nil
}
