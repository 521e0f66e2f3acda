package redis

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-redis/redis/v8"

	"chat-notify/internal/models"
)

// Handler consumes change notifications. *notify.Dispatcher implements it.
type Handler interface {
	Handle(ctx context.Context, n models.Notification) error
}

// Subscribe listens on pattern and hands every notification to h until ctx
// is done. The go-redis pub/sub reconnects on its own.
func (c *Client) Subscribe(ctx context.Context, pattern string, h Handler) error {
	c.log.Info("[REDIS] Starting pub/sub subscription", "pattern", pattern)

	pubsub := c.rdb.PSubscribe(ctx, pattern)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("redis subscription confirmation: %w", err)
	}
	c.log.Info("[REDIS] Subscription confirmed, listening for notifications", "pattern", pattern)

	c.consume(ctx, pubsub.Channel(), h)
	c.log.Info("[REDIS] Pub/sub subscription stopped", "pattern", pattern)
	return nil
}

func (c *Client) consume(ctx context.Context, ch <-chan *redis.Message, h Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			n := toNotification(msg)
			if err := h.Handle(ctx, n); err != nil {
				c.log.Error("[REDIS] Dropping notification", "channel", msg.Channel, "error", err, "payload", msg.Payload)
			}
		}
	}
}

func toNotification(msg *redis.Message) models.Notification {
	return models.Notification{
		Channel: strings.TrimPrefix(msg.Channel, ChannelPrefix),
		Payload: []byte(msg.Payload),
	}
}
