// Package hub routes chat events to the live streams of connected users.
//
// A Hub keeps one bounded broadcast channel per user id. Producers publish
// by user id; each connected client holds a Subscription on its user's
// channel and turns it into frames with a Stream.
package hub

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"chat-notify/internal/metrics"
	"chat-notify/internal/models"
)

// ErrHubFull is returned by Subscribe when creating a channel would exceed
// the configured user limit. Callers should retry later.
var ErrHubFull = errors.New("hub: user limit reached")

// Options configures a Hub. Zero values select the defaults.
type Options struct {
	// Capacity is the per-user channel size (default 256).
	Capacity int
	// MaxUsers bounds the number of channels; 0 means unlimited.
	MaxUsers int
	// EvictAfter is how long a channel without subscribers and without
	// publishes is kept. 0 keeps channels for the life of the process.
	EvictAfter time.Duration
	Logger     *slog.Logger
	Metrics    *metrics.Metrics
}

// Hub maintains the per-user channels.
type Hub struct {
	mu     sync.RWMutex
	users  map[int64]*channel
	closed bool

	capacity   int
	maxUsers   int
	evictAfter time.Duration
	log        *slog.Logger
	metrics    *metrics.Metrics
}

func New(opts Options) *Hub {
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Discard()
	}
	return &Hub{
		users:      make(map[int64]*channel),
		capacity:   opts.Capacity,
		maxUsers:   opts.MaxUsers,
		evictAfter: opts.EvictAfter,
		log:        opts.Logger,
		metrics:    opts.Metrics,
	}
}

// Subscribe attaches a new subscription to userID's channel, creating the
// channel if the user has none. Only events published after Subscribe
// returns are delivered to it.
func (h *Hub) Subscribe(userID int64) (*Subscription, error) {
	h.mu.RLock()
	if h.closed {
		h.mu.RUnlock()
		return nil, ErrClosed
	}
	if ch, ok := h.users[userID]; ok {
		sub := h.attach(userID, ch)
		h.mu.RUnlock()
		return sub, nil
	}
	h.mu.RUnlock()

	// Built outside the lock; discarded if another subscriber wins the insert.
	fresh := newChannel(h.capacity)

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, ErrClosed
	}
	ch, ok := h.users[userID]
	if !ok {
		if h.maxUsers > 0 && len(h.users) >= h.maxUsers {
			h.log.Warn("[HUB] User limit reached, refusing channel", "user", userID, "limit", h.maxUsers)
			return nil, ErrHubFull
		}
		ch = fresh
		h.users[userID] = ch
		h.metrics.ChannelsCreated.Add(context.Background(), 1)
		h.log.Debug("[HUB] Created channel", "user", userID, "users", len(h.users))
	}
	return h.attach(userID, ch), nil
}

// attach must be called with h.mu held so eviction cannot remove ch meanwhile.
func (h *Hub) attach(userID int64, ch *channel) *Subscription {
	h.metrics.ActiveSubscriptions.Add(context.Background(), 1)
	return &Subscription{
		UserID: userID,
		rx:     ch.attach(),
		hub:    h,
	}
}

// Publish enqueues e on userID's channel. It is a no-op when the user has no
// channel, and never waits for subscribers to read.
func (h *Hub) Publish(userID int64, e models.Event) bool {
	if e == nil {
		return false
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	kind := metric.WithAttributes(attribute.String("kind", e.Kind().String()))
	ch, ok := h.users[userID]
	if !ok || !ch.send(e) {
		h.metrics.EventsUndelivered.Add(context.Background(), 1, kind)
		return false
	}
	h.metrics.EventsPublished.Add(context.Background(), 1, kind)
	return true
}

// Users returns the number of channels currently held.
func (h *Hub) Users() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.users)
}

// Subscribers returns the number of subscriptions attached to userID.
func (h *Hub) Subscribers(userID int64) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	ch, ok := h.users[userID]
	if !ok {
		return 0
	}
	return ch.receiverCount()
}

// Run evicts idle channels until ctx is done. With EvictAfter of zero it
// only waits for ctx.
func (h *Hub) Run(ctx context.Context) error {
	if h.evictAfter <= 0 {
		<-ctx.Done()
		return nil
	}

	interval := max(h.evictAfter/2, 10*time.Millisecond)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	h.log.Info("[HUB] Starting eviction loop", "evict_after", h.evictAfter)
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			if n := h.evict(now); n > 0 {
				h.log.Debug("[HUB] Evicted idle channels", "count", n, "remaining", h.Users())
			}
		}
	}
}

func (h *Hub) evict(now time.Time) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	evicted := 0
	for userID, ch := range h.users {
		if ch.idle(now, h.evictAfter) {
			delete(h.users, userID)
			ch.close()
			evicted++
		}
	}
	if evicted > 0 {
		h.metrics.ChannelsEvicted.Add(context.Background(), int64(evicted))
	}
	return evicted
}

// Close closes every channel. Attached subscriptions drain what is left
// and then report ErrClosed; later Subscribe calls fail.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	for _, ch := range h.users {
		ch.close()
	}
	h.log.Info("[HUB] Closed", "users", len(h.users))
}

// Subscription is one client's attachment to a user channel. It is not safe
// for concurrent receives.
type Subscription struct {
	UserID int64

	rx   *receiver
	hub  *Hub
	once sync.Once
}

// TryRecv returns the next event without waiting. It reports ErrEmpty when
// nothing is pending, *LaggedError after a skip and ErrClosed at the end.
func (s *Subscription) TryRecv() (models.Event, error) {
	e, err := s.rx.tryRecv()
	var lagged *LaggedError
	if errors.As(err, &lagged) {
		s.hub.metrics.EventsSkipped.Add(context.Background(), int64(lagged.Skipped))
	}
	return e, err
}

// Ready is closed once TryRecv has something other than ErrEmpty to return.
func (s *Subscription) Ready() <-chan struct{} {
	return s.rx.ready()
}

// Recv waits for the next event or ctx.
func (s *Subscription) Recv(ctx context.Context) (models.Event, error) {
	for {
		e, err := s.TryRecv()
		if !errors.Is(err, ErrEmpty) {
			return e, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.Ready():
		}
	}
}

// Close detaches the subscription. The user's channel is left in place.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.rx.ch.detach()
		s.hub.metrics.ActiveSubscriptions.Add(context.Background(), -1)
	})
}
