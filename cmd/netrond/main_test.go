package main

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/danmuck/netwire/internal/config"
	"github.com/danmuck/netwire/internal/protocol/session"
	"github.com/danmuck/netwire/internal/testutil/testlog"
	"github.com/rs/zerolog"
)

var fastBackoff = session.BackoffConfig{InitialDelay: 20 * time.Millisecond, Multiplier: 2, MaxDelay: 100 * time.Millisecond}

func TestDialPeerRetriesUntilListening(t *testing.T) {
	testlog.Start(t)
	reserve, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	addr := reserve.Addr().String()
	_ = reserve.Close()

	host := newTestNode(t, "host")
	client := newTestNode(t, "client")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	target := config.PeerConfig{Name: "host", Addr: addr}
	done := make(chan struct{})
	go func() {
		dialPeer(ctx, client, target, fastBackoff, zerolog.Nop())
		close(done)
	}()

	time.Sleep(150 * time.Millisecond)
	l, err := net.Listen("tcp", addr)
	if err != nil {
		t.Fatalf("listen %s: %v", addr, err)
	}
	go func() { _ = host.Serve(ctx, l) }()

	select {
	case <-done:
	case <-time.After(4 * time.Second):
		t.Fatalf("dialPeer did not connect after the listener came up")
	}
	if peers := client.Peers(); len(peers) != 1 || peers[0].ID() != host.ID() {
		t.Fatalf("unexpected peers: %d", len(peers))
	}

	// Already connected: one more dial gives up instead of retrying forever.
	again := make(chan struct{})
	go func() {
		dialPeer(ctx, client, target, fastBackoff, zerolog.Nop())
		close(again)
	}()
	select {
	case <-again:
	case <-time.After(2 * time.Second):
		t.Fatalf("dialPeer kept retrying a connected peer")
	}
}

func TestDialPeerStopsWithContext(t *testing.T) {
	testlog.Start(t)
	reserve, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	addr := reserve.Addr().String()
	_ = reserve.Close()

	client := newTestNode(t, "client")
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		dialPeer(ctx, client, config.PeerConfig{Addr: addr}, fastBackoff, zerolog.Nop())
		close(done)
	}()
	time.Sleep(100 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("dialPeer ignored cancellation")
	}
}
