package redis

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/go-redis/redis/v8"

	"chat-notify/internal/models"
)

// ChannelPrefix namespaces change notifications on Redis.
const ChannelPrefix = "notify:"

type Client struct {
	rdb *redis.Client
	log *slog.Logger
}

// NewClient connects to redisURL and checks the connection.
func NewClient(ctx context.Context, redisURL string, log *slog.Logger) (*Client, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}

	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	log.Info("[REDIS] Connected", "addr", opt.Addr, "db", opt.DB)
	return &Client{rdb: rdb, log: log}, nil
}

func (c *Client) Close() error {
	return c.rdb.Close()
}

// Emit publishes a change notification for the notify servers subscribed
// to ChannelPrefix + n.Channel.
func (c *Client) Emit(ctx context.Context, n models.Notification) error {
	channel := ChannelPrefix + n.Channel
	if err := c.rdb.Publish(ctx, channel, n.Payload).Err(); err != nil {
		c.log.Error("[REDIS] Failed to publish notification", "channel", channel, "error", err)
		return fmt.Errorf("publish %s: %w", channel, err)
	}
	return nil
}
