package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

const channelName = "docket:document_updated"

// Notifier publishes document change events.
type Notifier interface {
	Publish(ctx context.Context, event Event) error
}

// LocalNotifier delivers straight to the in-process hub. Used when Redis
// is not configured (single-instance deployments and tests).
type LocalNotifier struct {
	hub *Hub
}

func NewLocalNotifier(hub *Hub) *LocalNotifier {
	return &LocalNotifier{hub: hub}
}

func (n *LocalNotifier) Publish(_ context.Context, event Event) error {
	n.hub.Broadcast(event)
	return nil
}

// RedisNotifier routes events through Redis pub/sub so every API instance
// sees every update. Messages published here come back through the
// subscription loop, which feeds the local hub; no missed-event replay is
// attempted on reconnect.
type RedisNotifier struct {
	client *redis.Client
	hub    *Hub
}

func NewRedisNotifier(redisURL string, hub *Hub) (*RedisNotifier, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisNotifier{client: client, hub: hub}, nil
}

// NewRedisNotifierWithClient creates a notifier from an existing client.
func NewRedisNotifierWithClient(client *redis.Client, hub *Hub) *RedisNotifier {
	return &RedisNotifier{client: client, hub: hub}
}

func (n *RedisNotifier) Publish(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := n.client.Publish(ctx, channelName, payload).Err(); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// Run consumes the Redis channel and feeds the local hub until ctx ends.
// go-redis reconnects the subscription itself; events missed while the
// connection was down are not replayed.
func (n *RedisNotifier) Run(ctx context.Context) {
	sub := n.client.Subscribe(ctx, channelName)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				log.Printf("notify: drop malformed event: %v", err)
				continue
			}
			n.hub.Broadcast(event)
		}
	}
}

func (n *RedisNotifier) Close() error {
	return n.client.Close()
}

// Ping checks if Redis is reachable.
func (n *RedisNotifier) Ping(ctx context.Context) error {
	return n.client.Ping(ctx).Err()
}
