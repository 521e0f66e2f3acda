// Package notify turns chat server change notifications into per-user
// events. It decides who is affected; the hub only routes by user id.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/goccy/go-json"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"chat-notify/internal/metrics"
	"chat-notify/internal/models"
)

var (
	ErrUnknownChannel = errors.New("notify: unknown notification channel")
	ErrUnknownOp      = errors.New("notify: unknown chat operation")
	ErrMalformed      = errors.New("notify: malformed notification")
)

// Publisher delivers an event to one user. *hub.Hub implements it.
type Publisher interface {
	Publish(userID int64, e models.Event) bool
}

// Dispatcher fans change notifications out to the affected users.
type Dispatcher struct {
	pub     Publisher
	log     *slog.Logger
	metrics *metrics.Metrics
}

func NewDispatcher(pub Publisher, log *slog.Logger, m *metrics.Metrics) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	if m == nil {
		m = metrics.Discard()
	}
	return &Dispatcher{pub: pub, log: log, metrics: m}
}

// Handle decodes n and publishes the resulting events. Nothing is published
// when an error is returned.
func (d *Dispatcher) Handle(ctx context.Context, n models.Notification) error {
	err := d.handle(n)

	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	d.metrics.Notifications.Add(ctx, 1, metric.WithAttributes(
		attribute.String("channel", n.Channel),
		attribute.String("outcome", outcome),
	))
	return err
}

func (d *Dispatcher) handle(n models.Notification) error {
	switch n.Channel {
	case models.ChannelChatUpdated:
		var p models.ChatUpdated
		if err := json.Unmarshal(n.Payload, &p); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrMalformed, n.Channel, err)
		}
		return d.chatUpdated(p)

	case models.ChannelMessageCreated:
		var p models.MessageCreated
		if err := json.Unmarshal(n.Payload, &p); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrMalformed, n.Channel, err)
		}
		d.publish(p.Members, models.NewMessage{Message: p.Message.Clone()})
		return nil
	}
	return fmt.Errorf("%w: %q", ErrUnknownChannel, n.Channel)
}

func (d *Dispatcher) chatUpdated(p models.ChatUpdated) error {
	switch p.Op {
	case models.OpInsert:
		if p.New == nil {
			return fmt.Errorf("%w: %s without new chat", ErrMalformed, p.Op)
		}
		chat := p.New.Clone()
		d.publish(chat.Members, models.NewChat{Chat: chat})

	case models.OpUpdate:
		if p.Old == nil || p.New == nil {
			return fmt.Errorf("%w: %s needs old and new chat", ErrMalformed, p.Op)
		}
		chat := p.New.Clone()
		if sameMembers(p.Old.Members, chat.Members) {
			d.publish(chat.Members, models.UpdateChatName{Chat: chat})
			return nil
		}
		d.publish(chat.Members, models.AddToChat{Chat: chat})

		var removed []int64
		for _, id := range p.Old.Members {
			if !chat.HasMember(id) {
				removed = append(removed, id)
			}
		}
		d.publish(removed, models.RemoveFromChat{Chat: chat})

	case models.OpDelete:
		if p.Old == nil {
			return fmt.Errorf("%w: %s without old chat", ErrMalformed, p.Op)
		}
		chat := p.Old.Clone()
		d.publish(chat.Members, models.RemoveFromChat{Chat: chat})

	default:
		return fmt.Errorf("%w: %q", ErrUnknownOp, p.Op)
	}
	return nil
}

// publish hands e to every user once, in member order.
func (d *Dispatcher) publish(users []int64, e models.Event) {
	seen := make(map[int64]struct{}, len(users))
	delivered := 0
	for _, id := range users {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if d.pub.Publish(id, e) {
			delivered++
		}
	}
	if len(seen) > 0 {
		d.log.Debug("[NOTIFY] Published event", "event", e.Kind().String(), "users", len(seen), "online", delivered)
	}
}

func sameMembers(a, b []int64) bool {
	a, b = slices.Clone(a), slices.Clone(b)
	slices.Sort(a)
	slices.Sort(b)
	return slices.Equal(slices.Compact(a), slices.Compact(b))
}
