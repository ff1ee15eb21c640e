// Package live tracks which users hold an open live-update channel and
// pushes events to them.
package live

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/pingup/pingup/core/infra/logging"
	"github.com/pingup/pingup/core/infra/metrics"
)

const component = "live"

var (
	ErrChannelClosed = errors.New("live channel closed")
	ErrSlowConsumer  = errors.New("live channel buffer full")
)

// Frame is one discrete message on a live channel.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// SSE renders the frame in text/event-stream form.
func (f Frame) SSE() []byte {
	data := f.Data
	if len(data) == 0 {
		data = json.RawMessage("null")
	}
	return []byte(fmt.Sprintf("event:%s\ndata:%s\n\n", f.Event, data))
}

// Channel is an open outbound stream to one client. Send must not block on
// the network; implementations queue and write from their own goroutine.
type Channel interface {
	Send(f Frame) error
}

// Pusher delivers an event to a user if they are reachable.
type Pusher interface {
	Push(userID, event string, payload any) bool
}

// Registry maps a user to their single current channel. Registering again
// for the same user replaces the previous channel without closing it.
type Registry struct {
	mu      sync.RWMutex
	conns   map[string]Channel
	metrics metrics.LiveMetrics
}

var _ Pusher = (*Registry)(nil)

func NewRegistry() *Registry {
	return &Registry{conns: map[string]Channel{}, metrics: metrics.Noop{}}
}

func (r *Registry) WithMetrics(m metrics.LiveMetrics) *Registry {
	if m != nil {
		r.metrics = m
	}
	return r
}

// Register stores ch as the user's channel, replacing any previous one.
func (r *Registry) Register(userID string, ch Channel) {
	userID = strings.TrimSpace(userID)
	if userID == "" || ch == nil {
		return
	}
	r.mu.Lock()
	_, replaced := r.conns[userID]
	r.conns[userID] = ch
	n := len(r.conns)
	r.mu.Unlock()
	r.metrics.SetConnections(float64(n))
	if replaced {
		logging.Debug(component, "connection replaced", "user_id", userID)
	}
}

// Unregister removes the user's entry; absent users are a no-op.
func (r *Registry) Unregister(userID string) {
	r.mu.Lock()
	delete(r.conns, userID)
	n := len(r.conns)
	r.mu.Unlock()
	r.metrics.SetConnections(float64(n))
}

// UnregisterChannel removes the entry only if it still points at ch. Close
// callbacks use it so a stale disconnect cannot drop a newer connection.
func (r *Registry) UnregisterChannel(userID string, ch Channel) bool {
	r.mu.Lock()
	cur, ok := r.conns[userID]
	removed := ok && cur == ch
	if removed {
		delete(r.conns, userID)
	}
	n := len(r.conns)
	r.mu.Unlock()
	r.metrics.SetConnections(float64(n))
	return removed
}

// Push writes one frame to the user's channel. It reports false when the
// user has no channel or the frame could not be queued; nothing is retried.
func (r *Registry) Push(userID, event string, payload any) bool {
	r.mu.RLock()
	ch, ok := r.conns[userID]
	r.mu.RUnlock()
	if !ok {
		r.metrics.IncPush(event, false)
		return false
	}
	data, err := encodePayload(payload)
	if err != nil {
		logging.Warn(component, "encode push payload", "event", event, "error", err)
		r.metrics.IncPush(event, false)
		return false
	}
	if err := ch.Send(Frame{Event: event, Data: data}); err != nil {
		logging.Debug(component, "push not delivered", "user_id", userID, "event", event, "error", err)
		if errors.Is(err, ErrChannelClosed) {
			r.UnregisterChannel(userID, ch)
		}
		r.metrics.IncPush(event, false)
		return false
	}
	r.metrics.IncPush(event, true)
	return true
}

// Connected reports whether the user currently has a channel.
func (r *Registry) Connected(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.conns[userID]
	return ok
}

// Count returns the number of registered users.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

func encodePayload(payload any) (json.RawMessage, error) {
	switch v := payload.(type) {
	case nil:
		return json.RawMessage("null"), nil
	case json.RawMessage:
		return v, nil
	case []byte:
		return json.RawMessage(v), nil
	default:
		return json.Marshal(v)
	}
}
