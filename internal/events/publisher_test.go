package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/ValterAndersson/myon-sub008/internal/store"
)

func TestChannelScopesUserAndCanvas(t *testing.T) {
	channel := Channel("user-1", "cnv-1")
	if channel != "canvas:events:user-1:cnv-1" {
		t.Fatalf("unexpected channel %q", channel)
	}
}

func TestPublisherRejectsBadURL(t *testing.T) {
	if _, err := NewPublisher("not-a-url"); err == nil {
		t.Fatalf("expected an error for a malformed redis url")
	}
}

func TestPublishDeliversEvent(t *testing.T) {
	server := miniredis.RunT(t)

	publisher, err := NewPublisher("redis://" + server.Addr())
	if err != nil {
		t.Fatalf("new publisher: %v", err)
	}
	defer publisher.Close()

	subscriber := redis.NewClient(&redis.Options{Addr: server.Addr()})
	defer subscriber.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sub := subscriber.Subscribe(ctx, Channel("user-1", "cnv-1"))
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	publisher.Publish(ctx, store.Event{
		UserID:        "user-1",
		CanvasID:      "cnv-1",
		Type:          "apply_action",
		Payload:       map[string]any{"action": "ADD_NOTE"},
		CorrelationID: "cnv-1:1",
	})

	message, err := sub.ReceiveMessage(ctx)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal([]byte(message.Payload), &decoded); err != nil {
		t.Fatalf("decode message: %v", err)
	}
	if decoded["type"] != "apply_action" || decoded["correlation_id"] != "cnv-1:1" {
		t.Fatalf("unexpected message: %v", decoded)
	}
}
