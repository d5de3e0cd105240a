package ws_test

import (
	"encoding/json"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/tracer-cloud/tracer-agent/internal/collector/ws"
	"github.com/tracer-cloud/tracer-agent/internal/events"
)

func newTestBroadcaster() *ws.Broadcaster {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return ws.NewBroadcaster(logger, 16)
}

func TestBroadcasterRegisterUnregister(t *testing.T) {
	t.Parallel()

	bc := newTestBroadcaster()

	if got := bc.ClientCount(); got != 0 {
		t.Fatalf("expected 0 clients after init, got %d", got)
	}

	c1 := bc.Register("c1")
	c2 := bc.Register("c2")

	if got := bc.ClientCount(); got != 2 {
		t.Fatalf("expected 2 clients, got %d", got)
	}
	if c1.ID() != "c1" {
		t.Errorf("client ID mismatch: got %q, want %q", c1.ID(), "c1")
	}

	bc.Unregister("c1")
	if got := bc.ClientCount(); got != 1 {
		t.Fatalf("expected 1 client after unregister, got %d", got)
	}

	select {
	case _, ok := <-c1.Send():
		if ok {
			t.Error("expected send channel to be closed after Unregister")
		}
	default:
		t.Error("expected send channel to be closed (readable), not blocked")
	}

	bc.Unregister("c2")
	_ = c2
	if got := bc.ClientCount(); got != 0 {
		t.Fatalf("expected 0 clients, got %d", got)
	}
}

func TestBroadcasterBroadcast(t *testing.T) {
	t.Parallel()

	bc := newTestBroadcaster()

	c1 := bc.Register("c1")
	c2 := bc.Register("c2")
	defer bc.Unregister("c1")
	defer bc.Unregister("c2")

	msg := ws.EventMessage{
		Type: "event",
		Data: events.Event{
			Kind:      events.KindAlert,
			Timestamp: time.Date(2026, 2, 26, 10, 0, 0, 0, time.UTC),
			Message:   "disk usage critical",
		},
	}

	bc.Broadcast(msg)

	deadline := time.After(100 * time.Millisecond)
	for _, ch := range []<-chan []byte{c1.Send(), c2.Send()} {
		select {
		case raw, ok := <-ch:
			if !ok {
				t.Fatal("send channel closed unexpectedly")
			}
			var got ws.EventMessage
			if err := json.Unmarshal(raw, &got); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if got.Type != "event" {
				t.Errorf("got type %q, want %q", got.Type, "event")
			}
			if got.Data.Kind != events.KindAlert {
				t.Errorf("got kind %q, want %q", got.Data.Kind, events.KindAlert)
			}
			if got.Data.Message != "disk usage critical" {
				t.Errorf("got message %q", got.Data.Message)
			}
		case <-deadline:
			t.Fatal("timeout waiting for broadcast message")
		}
	}
}

func TestBroadcasterDropsWhenBufferFull(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	bc := ws.NewBroadcaster(logger, 2) // tiny buffer

	c := bc.Register("slow-client")
	defer bc.Unregister("slow-client")

	msg := ws.EventMessage{Type: "event", Data: events.Event{Kind: events.KindAlert}}

	bc.Broadcast(msg)
	bc.Broadcast(msg)
	bc.Broadcast(msg) // should be dropped

	if got := c.Dropped.Load(); got < 1 {
		t.Errorf("expected at least 1 drop, got %d", got)
	}
}

func TestBroadcasterUnregisterNonexistent(t *testing.T) {
	t.Parallel()

	bc := newTestBroadcaster()
	bc.Unregister("does-not-exist")
}

func TestBroadcastEmptyRoom(t *testing.T) {
	t.Parallel()

	bc := newTestBroadcaster()
	bc.Broadcast(ws.EventMessage{Type: "event", Data: events.Event{Kind: events.KindAlert}})
}

func TestSubscribePublish(t *testing.T) {
	t.Parallel()

	bc := newTestBroadcaster()
	ch := bc.Subscribe(nil)
	defer bc.Unsubscribe(ch)

	bc.Publish(events.Event{Kind: events.KindToolExecution, Message: "started"})

	select {
	case evt := <-ch:
		if evt.Kind != events.KindToolExecution {
			t.Fatalf("got kind %q", evt.Kind)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for published event")
	}
}

func TestClose_ClosesSubscribersAndClients(t *testing.T) {
	t.Parallel()

	bc := newTestBroadcaster()
	client := bc.Register("c1")
	sub := bc.Subscribe(nil)

	bc.Close()

	if _, ok := <-client.Send(); ok {
		t.Fatal("expected client channel to be closed")
	}
	if _, ok := <-sub; ok {
		t.Fatal("expected subscriber channel to be closed")
	}

	// Post-close operations are no-ops, not panics.
	bc.Publish(events.Event{Kind: events.KindAlert})
	bc.Broadcast(ws.EventMessage{Type: "event"})
}
