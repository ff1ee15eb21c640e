package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/pingup/pingup/core/eventbus"
	"github.com/pingup/pingup/core/infra/logging"
	"github.com/pingup/pingup/core/infra/media"
	"github.com/pingup/pingup/core/social"
)

// form is a request body decoded from JSON, urlencoded or multipart input.
type form struct {
	fields map[string]string
	files  map[string]*social.Upload
}

func (f form) get(name string) string {
	return strings.TrimSpace(f.fields[name])
}

func readForm(w http.ResponseWriter, r *http.Request) (form, error) {
	out := form{fields: map[string]string{}, files: map[string]*social.Upload{}}
	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch ct {
	case "multipart/form-data":
		r.Body = http.MaxBytesReader(w, r.Body, media.MaxUploadBytes+maxJSONBodyBytes)
		if err := r.ParseMultipartForm(maxJSONBodyBytes); err != nil {
			return out, fmt.Errorf("%w: parse form: %v", social.ErrInvalid, err)
		}
		for k, v := range r.MultipartForm.Value {
			if len(v) > 0 {
				out.fields[k] = v[0]
			}
		}
		for k, headers := range r.MultipartForm.File {
			if len(headers) == 0 {
				continue
			}
			fh := headers[0]
			file, err := fh.Open()
			if err != nil {
				return out, fmt.Errorf("%w: open %s: %v", social.ErrInvalid, k, err)
			}
			data, err := io.ReadAll(file)
			_ = file.Close()
			if err != nil {
				return out, fmt.Errorf("%w: read %s: %v", social.ErrInvalid, k, err)
			}
			out.files[k] = &social.Upload{Name: fh.Filename, Data: data}
		}
	case "application/x-www-form-urlencoded":
		r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
		if err := r.ParseForm(); err != nil {
			return out, fmt.Errorf("%w: parse form: %v", social.ErrInvalid, err)
		}
		for k := range r.PostForm {
			out.fields[k] = r.PostForm.Get(k)
		}
	default:
		var body map[string]any
		if err := decodeJSONBody(w, r, &body); err != nil {
			return out, err
		}
		for k, v := range body {
			switch tv := v.(type) {
			case string:
				out.fields[k] = tv
			case nil:
			default:
				out.fields[k] = fmt.Sprint(tv)
			}
		}
	}
	return out, nil
}

func decodeJSONBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: empty body", social.ErrInvalid)
		}
		return fmt.Errorf("%w: invalid json: %v", social.ErrInvalid, err)
	}
	return nil
}

// user resolves the caller or writes a 401.
func (s *server) user(w http.ResponseWriter, r *http.Request) (string, bool) {
	id, err := s.auth.RequireUser(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return "", false
	}
	return id, true
}

// writeFailure maps service errors onto status codes.
func writeFailure(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, social.ErrInvalid), errors.Is(err, eventbus.ErrInvalidEvent):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, social.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, social.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	default:
		logging.Error(component, op+" failed", "error", err)
		writeError(w, http.StatusInternalServerError, op+" failed")
	}
}

// liveUser checks that the stream owner matches the caller when the upstream
// layer identified one. Browser EventSource cannot set headers, so an absent
// identity is accepted.
func (s *server) liveUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := strings.TrimSpace(r.PathValue("userId"))
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user id required")
		return "", false
	}
	caller, err := s.auth.RequireUser(r)
	if err != nil {
		if s.strict {
			writeError(w, http.StatusUnauthorized, err.Error())
			return "", false
		}
		return userID, true
	}
	if caller != userID {
		writeError(w, http.StatusForbidden, "stream belongs to another user")
		return "", false
	}
	return userID, true
}

func (s *server) handleSSE(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.liveUser(w, r)
	if !ok {
		return
	}
	if err := s.live.ServeSSE(w, r, userID); err != nil {
		logging.Warn(component, "sse stream ended", "user_id", userID, "error", err)
	}
}

func (s *server) handleWS(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.liveUser(w, r)
	if !ok {
		return
	}
	if err := s.live.ServeWS(w, r, userID, &s.upgrader); err != nil {
		logging.Warn(component, "websocket stream ended", "user_id", userID, "error", err)
	}
}

func (s *server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.user(w, r)
	if !ok {
		return
	}
	f, err := readForm(w, r)
	if err != nil {
		writeFailure(w, "send message", err)
		return
	}
	msg, delivered, err := s.social.SendMessage(r.Context(), userID, f.get("to_user_id"), f.fields["text"], f.files["image"])
	if err != nil {
		writeFailure(w, "send message", err)
		return
	}
	logging.Debug(component, "message sent", "message_id", msg.ID, "delivered", delivered)
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": msg})
}

func (s *server) handleChatMessages(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.user(w, r)
	if !ok {
		return
	}
	f, err := readForm(w, r)
	if err != nil {
		writeFailure(w, "get messages", err)
		return
	}
	msgs, err := s.social.ChatMessages(r.Context(), userID, f.get("to_user_id"))
	if err != nil {
		writeFailure(w, "get messages", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "messages": msgs})
}

func (s *server) handleRecentMessages(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.user(w, r)
	if !ok {
		return
	}
	msgs, err := s.social.RecentMessages(r.Context(), userID)
	if err != nil {
		writeFailure(w, "recent messages", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "messages": msgs})
}

func (s *server) handleAddStory(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.user(w, r)
	if !ok {
		return
	}
	f, err := readForm(w, r)
	if err != nil {
		writeFailure(w, "add story", err)
		return
	}
	story, err := s.social.AddStory(r.Context(), userID, social.StoryInput{
		Content:         f.fields["content"],
		MediaType:       f.get("media_type"),
		BackgroundColor: f.get("background_color"),
		Media:           f.files["media"],
	})
	if err != nil {
		writeFailure(w, "add story", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Story added successfully", "story": story})
}

func (s *server) handleGetStories(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.user(w, r)
	if !ok {
		return
	}
	stories, err := s.social.Stories(r.Context(), userID)
	if err != nil {
		writeFailure(w, "get stories", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "stories": stories})
}

func (s *server) handleRequestConnection(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.user(w, r)
	if !ok {
		return
	}
	f, err := readForm(w, r)
	if err != nil {
		writeFailure(w, "connection request", err)
		return
	}
	conn, err := s.social.RequestConnection(r.Context(), userID, f.get("id"))
	if err != nil {
		writeFailure(w, "connection request", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Connection request sent successfully", "connection": conn})
}

func (s *server) handleAcceptConnection(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.user(w, r)
	if !ok {
		return
	}
	f, err := readForm(w, r)
	if err != nil {
		writeFailure(w, "accept connection", err)
		return
	}
	conn, err := s.social.AcceptConnection(r.Context(), userID, f.get("id"))
	if err != nil {
		writeFailure(w, "accept connection", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Connection accepted successfully", "connection": conn})
}
