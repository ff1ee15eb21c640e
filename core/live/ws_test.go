package live

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestServeWS(t *testing.T) {
	reg := NewRegistry()
	upgrader := &websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = reg.ServeWS(w, r, "u1", upgrader)
	}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var hello Frame
	if err := conn.ReadJSON(&hello); err != nil || hello.Event != "log" {
		t.Fatalf("unexpected hello %+v (%v)", hello, err)
	}
	waitConnected(t, reg, "u1")
	if !reg.Push("u1", "new_message", map[string]string{"text": "hey"}) {
		t.Fatalf("push should be delivered")
	}
	var got Frame
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if got.Event != "new_message" || !strings.Contains(string(got.Data), "hey") {
		t.Fatalf("unexpected frame %+v", got)
	}

	conn.Close()
	deadline := time.Now().Add(2 * time.Second)
	for reg.Connected("u1") {
		if time.Now().After(deadline) {
			t.Fatalf("closing the socket should unregister the channel")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestWSServeClosesChannelOnReturn(t *testing.T) {
	upgrader := &websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	channels := make(chan *WSChannel, 1)
	served := make(chan error, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ch := NewWSChannel(conn, 4)
		channels <- ch
		served <- ch.Serve(ctx)
	}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	ch := <-channels

	cancel()
	select {
	case err := <-served:
		if err != nil {
			t.Fatalf("serve: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("serve did not return after cancel")
	}
	if err := ch.Send(Frame{Event: "late"}); err != ErrChannelClosed {
		t.Fatalf("expected ErrChannelClosed after serve, got %v", err)
	}
}
