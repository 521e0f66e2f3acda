// Command emit publishes one change notification over Redis, the way the chat
// server's triggers would, for exercising a running notify server by hand.
//
//	emit -channel chat_message_created \
//	  -payload '{"message":{"id":7,"chat_id":3,"sender_id":1,"body":"hi"},"members":[1,42]}'
//
// Without -payload the notification body is read from stdin.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/goccy/go-json"

	"chat-notify/internal/models"
	"chat-notify/internal/redis"
)

func main() {
	redisURL := flag.String("redis", os.Getenv("REDIS_URL"), "redis URL (default $REDIS_URL)")
	channel := flag.String("channel", models.ChannelMessageCreated, "notification channel")
	payload := flag.String("payload", "", "JSON payload; read from stdin when empty")
	timeout := flag.Duration("timeout", 5*time.Second, "publish timeout")
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	if err := run(*redisURL, *channel, *payload, *timeout, log); err != nil {
		log.Error("emit failed", "error", err)
		os.Exit(1)
	}
}

func run(redisURL, channel, payload string, timeout time.Duration, log *slog.Logger) error {
	if redisURL == "" {
		return errors.New("no redis URL: set -redis or REDIS_URL")
	}

	body := []byte(payload)
	if payload == "" {
		var err error
		if body, err = io.ReadAll(os.Stdin); err != nil {
			return fmt.Errorf("read stdin: %w", err)
		}
	}
	if !json.Valid(body) {
		return errors.New("payload is not valid JSON")
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	client, err := redis.NewClient(ctx, redisURL, log)
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.Emit(ctx, models.Notification{Channel: channel, Payload: body}); err != nil {
		return err
	}
	log.Info("notification emitted", "channel", redis.ChannelPrefix+channel, "bytes", len(body))
	return nil
}
