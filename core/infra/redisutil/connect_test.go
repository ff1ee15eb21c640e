package redisutil

import (
	"context"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
)

func TestConnectPingsServer(t *testing.T) {
	srv, err := miniredis.Run()
	if err != nil {
		t.Skipf("miniredis unavailable: %v", err)
	}
	defer srv.Close()

	client, err := Connect("redis://" + srv.Addr())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer client.Close()
	if err := client.Set(context.Background(), "k", "v", 0).Err(); err != nil {
		t.Fatalf("set: %v", err)
	}
	if got, _ := srv.Get("k"); got != "v" {
		t.Fatalf("expected value written through client, got %q", got)
	}
}

func TestConnectUnreachable(t *testing.T) {
	srv, err := miniredis.Run()
	if err != nil {
		t.Skipf("miniredis unavailable: %v", err)
	}
	addr := srv.Addr()
	srv.Close()
	if _, err := Connect("redis://" + addr); err == nil {
		t.Fatalf("expected ping failure for closed server")
	}
}
