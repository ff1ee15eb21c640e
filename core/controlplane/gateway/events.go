package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/pingup/pingup/core/eventbus"
	"github.com/pingup/pingup/core/flows"
	"github.com/pingup/pingup/core/infra/logging"
	"github.com/pingup/pingup/core/workflow"
)

type publishEventRequest struct {
	Name string          `json:"name"`
	Data json.RawMessage `json:"data"`
}

// identityWebhook is the identity provider's envelope: {"type": "user.created", "data": {...}}.
type identityWebhook struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// identityEvents maps provider event types onto the events the workflows consume.
var identityEvents = map[string]string{
	"user.created": flows.EventUserCreated,
	"user.updated": flows.EventUserUpdated,
	"user.deleted": flows.EventUserDeleted,
}

func (s *server) service(w http.ResponseWriter, r *http.Request) bool {
	if err := s.auth.RequireService(r); err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return false
	}
	return true
}

func (s *server) handlePublishEvent(w http.ResponseWriter, r *http.Request) {
	if !s.service(w, r) {
		return
	}
	var req publishEventRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		writeFailure(w, "publish event", err)
		return
	}
	ids, err := s.publish(r, req.Name, req.Data)
	if err != nil {
		writeFailure(w, "publish event", err)
		return
	}
	resp := map[string]any{"success": true, "message": "event accepted"}
	if ids != nil {
		resp["execution_ids"] = ids
	}
	writeJSON(w, http.StatusAccepted, resp)
}

func (s *server) handleIdentityWebhook(w http.ResponseWriter, r *http.Request) {
	if !s.service(w, r) {
		return
	}
	var hook identityWebhook
	if err := decodeJSONBody(w, r, &hook); err != nil {
		writeFailure(w, "identity webhook", err)
		return
	}
	kind := strings.TrimPrefix(strings.TrimSpace(hook.Type), "clerk/")
	name, ok := identityEvents[kind]
	if !ok {
		logging.Debug(component, "ignore identity webhook", "type", hook.Type)
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "ignored"})
		return
	}
	ids, err := s.publish(r, name, hook.Data)
	if err != nil {
		writeFailure(w, "identity webhook", err)
		return
	}
	resp := map[string]any{"success": true, "message": "event accepted", "event": name}
	if ids != nil {
		resp["execution_ids"] = ids
	}
	writeJSON(w, http.StatusAccepted, resp)
}

// publish hands the event to the engine. An in-process dispatcher reports
// the executions it started; a relay only confirms the handoff.
func (s *server) publish(r *http.Request, name string, data json.RawMessage) ([]string, error) {
	if s.events == nil {
		return nil, errors.New("event publisher unavailable")
	}
	d, ok := s.events.(*eventbus.Dispatcher)
	if !ok {
		return nil, s.events.PublishEvent(r.Context(), name, data)
	}
	ev, err := eventbus.NewEvent(name, data)
	if err != nil {
		return nil, err
	}
	if err := d.Validate(ev); err != nil {
		return nil, err
	}
	ids := d.Publish(r.Context(), ev)
	if ids == nil {
		ids = []string{}
	}
	return ids, nil
}

func (s *server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	if !s.service(w, r) {
		return
	}
	if s.executions == nil {
		writeError(w, http.StatusServiceUnavailable, "execution store unavailable")
		return
	}
	exec, err := s.executions.GetExecution(r.Context(), r.PathValue("id"))
	if err != nil {
		writeExecutionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

func (s *server) handleExecutionTimeline(w http.ResponseWriter, r *http.Request) {
	if !s.service(w, r) {
		return
	}
	if s.executions == nil {
		writeError(w, http.StatusServiceUnavailable, "execution store unavailable")
		return
	}
	limit := int64(defaultTimelineLimit)
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			limit = n
		}
	}
	id := r.PathValue("id")
	if _, err := s.executions.GetExecution(r.Context(), id); err != nil {
		writeExecutionError(w, err)
		return
	}
	events, err := s.executions.ListTimeline(r.Context(), id, limit)
	if err != nil {
		writeExecutionError(w, err)
		return
	}
	if events == nil {
		events = []workflow.TimelineEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"execution_id": id, "events": events})
}

func writeExecutionError(w http.ResponseWriter, err error) {
	if errors.Is(err, workflow.ErrNotFound) {
		writeError(w, http.StatusNotFound, "execution not found")
		return
	}
	logging.Error(component, "read execution", "error", err)
	writeError(w, http.StatusInternalServerError, "execution store error")
}
