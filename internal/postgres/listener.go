// Package postgres turns Postgres LISTEN/NOTIFY traffic into change
// notifications for the dispatcher.
package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jackc/pgx/v5"

	"chat-notify/internal/models"
)

// Channels are the NOTIFY channels the database triggers emit on.
var Channels = []string{models.ChannelChatUpdated, models.ChannelMessageCreated}

type Handler interface {
	Handle(ctx context.Context, n models.Notification) error
}

// Listener holds one dedicated connection in LISTEN mode and reconnects
// with exponential backoff when it drops.
type Listener struct {
	DSN      string
	Channels []string
	Handler  Handler
	Log      *slog.Logger

	// InitialInterval and MaxInterval bound the reconnect delay.
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// Run blocks until ctx is done. Connection failures are retried, never returned.
func (l *Listener) Run(ctx context.Context) error {
	log := l.Log
	if log == nil {
		log = slog.Default()
	}
	channels := l.Channels
	if len(channels) == 0 {
		channels = Channels
	}

	b := backoff.NewExponentialBackOff()
	if l.InitialInterval > 0 {
		b.InitialInterval = l.InitialInterval
	}
	b.MaxInterval = 30 * time.Second
	if l.MaxInterval > 0 {
		b.MaxInterval = l.MaxInterval
	}

	for {
		err := l.listen(ctx, log, channels, b)
		if ctx.Err() != nil {
			log.Info("[PG] Listener stopped")
			return nil
		}

		wait := b.NextBackOff()
		log.Warn("[PG] Listener connection lost, reconnecting", "error", err, "retry_in", wait)

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			log.Info("[PG] Listener stopped")
			return nil
		case <-t.C:
		}
	}
}

func (l *Listener) listen(ctx context.Context, log *slog.Logger, channels []string, b *backoff.ExponentialBackOff) error {
	conn, err := pgx.Connect(ctx, l.DSN)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer conn.Close(context.Background())

	for _, ch := range channels {
		if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{ch}.Sanitize()); err != nil {
			return fmt.Errorf("listen %s: %w", ch, err)
		}
	}
	b.Reset()
	log.Info("[PG] Listening for notifications", "channels", channels)

	for {
		pn, err := conn.WaitForNotification(ctx)
		if err != nil {
			return fmt.Errorf("wait for notification: %w", err)
		}
		l.handle(ctx, log, models.Notification{Channel: pn.Channel, Payload: []byte(pn.Payload)})
	}
}

func (l *Listener) handle(ctx context.Context, log *slog.Logger, n models.Notification) {
	if err := l.Handler.Handle(ctx, n); err != nil {
		log.Error("[PG] Dropping notification", "channel", n.Channel, "error", err, "payload", string(n.Payload))
	}
}
