package live

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsWriteWait = 10 * time.Second
	wsPongWait  = 60 * time.Second
)

// WSChannel delivers frames as JSON text messages over a websocket.
type WSChannel struct {
	queue
	conn      *websocket.Conn
	heartbeat time.Duration
}

func NewWSChannel(conn *websocket.Conn, buffer int) *WSChannel {
	return &WSChannel{queue: newQueue(buffer), conn: conn, heartbeat: defaultHeartbeat}
}

// Serve pumps frames to the socket until ctx ends, the peer goes away or
// the channel is closed. The read side only watches for close and pongs.
// The channel is closed when Serve returns.
func (c *WSChannel) Serve(ctx context.Context) error {
	defer c.conn.Close()
	defer c.Close()
	go c.readLoop()

	hello, _ := json.Marshal(Frame{Event: "log", Data: json.RawMessage(`"connected"`)})
	if err := c.write(websocket.TextMessage, hello); err != nil {
		return err
	}
	ticker := time.NewTicker(c.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = c.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return nil
		case <-c.done:
			return nil
		case f := <-c.frames:
			data, err := json.Marshal(f)
			if err != nil {
				continue
			}
			if err := c.write(websocket.TextMessage, data); err != nil {
				return err
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				return err
			}
		}
	}
}

func (c *WSChannel) write(kind int, data []byte) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.conn.WriteMessage(kind, data)
}

func (c *WSChannel) readLoop() {
	defer c.Close()
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// ServeWS upgrades the request and registers a websocket channel for userID.
func (r *Registry) ServeWS(w http.ResponseWriter, req *http.Request, userID string, upgrader *websocket.Upgrader) error {
	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		return err
	}
	ch := NewWSChannel(conn, defaultBuffer)
	r.Register(userID, ch)
	defer func() {
		ch.Close()
		r.UnregisterChannel(userID, ch)
	}()
	return ch.Serve(req.Context())
}
