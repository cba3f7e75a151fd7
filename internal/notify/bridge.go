package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"
)

const channelPrefix = "notify:"

// Bridge fans envelopes out across instances through Redis pub/sub. Each
// instance publishes to notify:<room> and replays everything it receives
// into its local hub.
type Bridge struct {
	client *redis.Client
	hub    *Hub
	logger *slog.Logger
}

// NewBridge constructs a Bridge.
func NewBridge(client *redis.Client, hub *Hub, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{client: client, hub: hub, logger: logger}
}

// Publish sends the envelope to every instance, including this one.
func (b *Bridge) Publish(ctx context.Context, room string, env Envelope) error {
	env.Room = room
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("notify: marshal envelope: %w", err)
	}
	if err := b.client.Publish(ctx, channelPrefix+room, payload).Err(); err != nil {
		return fmt.Errorf("notify: publish: %w", err)
	}
	return nil
}

// Run subscribes to the notify channel pattern and dispatches into the
// local hub until the context is cancelled.
func (b *Bridge) Run(ctx context.Context) error {
	sub := b.client.PSubscribe(ctx, channelPrefix+"*")
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			room := strings.TrimPrefix(msg.Channel, channelPrefix)
			var env Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				b.logger.Warn("drop malformed notify payload", "channel", msg.Channel, "error", err)
				continue
			}
			b.hub.Broadcast(room, env)
		}
	}
}
