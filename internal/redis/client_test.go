package redisclient

import (
	"context"
	"testing"
)

// Nothing listens on port 1, so every dial is refused straight away.
const unreachableAddr = "127.0.0.1:1"

func TestNewClient_DoesNotDial(t *testing.T) {
	rdb := NewClient(unreachableAddr, "", "")
	defer rdb.Close()

	if err := Ping(context.Background(), rdb); err == nil {
		t.Fatal("expected ping against an unreachable address to fail")
	}
	if err := PingCheck(rdb)(context.Background()); err == nil {
		t.Error("expected readiness check to report the outage")
	}
}

func TestNewRedisClient_Unreachable(t *testing.T) {
	rdb, err := NewRedisClient(context.Background(), unreachableAddr, "", "")
	if err == nil {
		rdb.Close()
		t.Fatal("expected an error for an unreachable address")
	}
	if rdb != nil {
		t.Error("expected no client on failure")
	}
}
