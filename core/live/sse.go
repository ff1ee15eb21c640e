package live

import (
	"context"
	"errors"
	"net/http"
	"time"
)

// ConnectedFrame is written once when an SSE stream opens.
const ConnectedFrame = "log:connected to server side event stream\n\n"

var errNoFlusher = errors.New("response writer does not support streaming")

// SSEChannel streams frames as text/event-stream.
type SSEChannel struct {
	queue
	heartbeat time.Duration
}

func NewSSEChannel(buffer int) *SSEChannel {
	return &SSEChannel{queue: newQueue(buffer), heartbeat: defaultHeartbeat}
}

// Serve writes queued frames to w until ctx ends or the channel is closed.
// The channel is closed when Serve returns.
func (c *SSEChannel) Serve(ctx context.Context, w http.ResponseWriter) error {
	defer c.Close()
	flusher, ok := w.(http.Flusher)
	if !ok {
		return errNoFlusher
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(ConnectedFrame)); err != nil {
		return err
	}
	flusher.Flush()

	ticker := time.NewTicker(c.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.done:
			return nil
		case f := <-c.frames:
			if _, err := w.Write(f.SSE()); err != nil {
				return err
			}
			flusher.Flush()
		case <-ticker.C:
			if _, err := w.Write([]byte(": ping\n\n")); err != nil {
				return err
			}
			flusher.Flush()
		}
	}
}

// ServeSSE registers an SSE channel for userID for the life of the request.
func (r *Registry) ServeSSE(w http.ResponseWriter, req *http.Request, userID string) error {
	ch := NewSSEChannel(defaultBuffer)
	r.Register(userID, ch)
	defer func() {
		ch.Close()
		r.UnregisterChannel(userID, ch)
	}()
	return ch.Serve(req.Context(), w)
}
