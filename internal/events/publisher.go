package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ValterAndersson/myon-sub008/internal/store"
)

// Publisher fans committed canvas events out over Redis pub/sub so connected
// clients can refresh without polling. Publishing is best-effort: a dropped
// message never fails the mutation that produced it.
type Publisher struct {
	client *redis.Client
}

// NewPublisher connects to Redis using a URL like redis://host:6379/0.
func NewPublisher(redisURL string) (*Publisher, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &Publisher{client: client}, nil
}

// Channel returns the pub/sub channel for one user's canvas.
func Channel(userID, canvasID string) string {
	return fmt.Sprintf("canvas:events:%s:%s", userID, canvasID)
}

func (p *Publisher) Publish(ctx context.Context, event store.Event) {
	message, err := json.Marshal(map[string]any{
		"type":           event.Type,
		"payload":        event.Payload,
		"correlation_id": event.CorrelationID,
	})
	if err != nil {
		log.Printf("events: encode %s: %v", event.Type, err)
		return
	}
	if err := p.client.Publish(ctx, Channel(event.UserID, event.CanvasID), message).Err(); err != nil {
		log.Printf("events: publish %s to %s: %v", event.Type, Channel(event.UserID, event.CanvasID), err)
	}
}

func (p *Publisher) Close() error {
	return p.client.Close()
}
