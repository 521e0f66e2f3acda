package hub

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"chat-notify/internal/models"
)

func message(id int64) models.Event {
	return models.NewMessage{Message: models.Message{ID: id, ChatID: 3, Body: "hi"}}
}

func recvNow(t *testing.T, sub *Subscription) models.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	e, err := sub.Recv(ctx)
	require.NoError(t, err)
	return e
}

func TestHub_PublishKeepsOrderPerUser(t *testing.T) {
	req := require.New(t)
	h := New(Options{})

	// Given two subscribers for the same user
	a, err := h.Subscribe(42)
	req.NoError(err)
	b, err := h.Subscribe(42)
	req.NoError(err)

	// When events are published in order
	for i := int64(1); i <= 10; i++ {
		req.True(h.Publish(42, message(i)))
	}

	// Then both observe them in publish order
	for _, sub := range []*Subscription{a, b} {
		for i := int64(1); i <= 10; i++ {
			e := recvNow(t, sub)
			req.Equal(i, e.(models.NewMessage).ID)
		}
		_, err := sub.TryRecv()
		req.ErrorIs(err, ErrEmpty)
	}
}

func TestHub_PublishWithoutChannelIsNoop(t *testing.T) {
	req := require.New(t)
	h := New(Options{})

	// Given nobody ever subscribed for user 7
	// When an event is published to user 7
	req.False(h.Publish(7, message(1)))
	req.Equal(0, h.Users())

	// Then a later subscriber sees only later events
	sub, err := h.Subscribe(7)
	req.NoError(err)
	_, err = sub.TryRecv()
	req.ErrorIs(err, ErrEmpty)

	req.True(h.Publish(7, message(2)))
	req.Equal(int64(2), recvNow(t, sub).(models.NewMessage).ID)
}

func TestHub_PublishNilEvent(t *testing.T) {
	h := New(Options{})
	_, err := h.Subscribe(1)
	require.NoError(t, err)
	require.False(t, h.Publish(1, nil))
}

func TestHub_LateSubscriberMissesEarlierEvents(t *testing.T) {
	req := require.New(t)
	h := New(Options{})

	first, err := h.Subscribe(5)
	req.NoError(err)
	req.True(h.Publish(5, message(1)))

	late, err := h.Subscribe(5)
	req.NoError(err)
	req.True(h.Publish(5, message(2)))

	req.Equal(int64(1), recvNow(t, first).(models.NewMessage).ID)
	req.Equal(int64(2), recvNow(t, first).(models.NewMessage).ID)
	req.Equal(int64(2), recvNow(t, late).(models.NewMessage).ID)
}

func TestHub_ConcurrentFirstSubscribeCreatesOneChannel(t *testing.T) {
	req := require.New(t)
	h := New(Options{})

	const n = 64
	subs := make([]*Subscription, n)
	var wg sync.WaitGroup
	start := make(chan struct{})

	// Given many connections of the same user subscribing at once
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			sub, err := h.Subscribe(42)
			if err == nil {
				subs[i] = sub
			}
		}()
	}
	close(start)
	wg.Wait()

	// Then exactly one channel exists and every subscription reads from it
	req.Equal(1, h.Users())
	req.Equal(n, h.Subscribers(42))

	req.True(h.Publish(42, message(9)))
	for _, sub := range subs {
		req.NotNil(sub)
		req.Equal(int64(9), recvNow(t, sub).(models.NewMessage).ID)
		_, err := sub.TryRecv()
		req.ErrorIs(err, ErrEmpty)
	}
}

func TestHub_ConcurrentPublishersDifferentUsers(t *testing.T) {
	req := require.New(t)
	h := New(Options{})

	const users = 8
	const perUser = 100
	subs := make([]*Subscription, users)
	for u := range users {
		sub, err := h.Subscribe(int64(u))
		req.NoError(err)
		subs[u] = sub
	}

	var wg sync.WaitGroup
	for u := range users {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range perUser {
				h.Publish(int64(u), message(int64(i)))
			}
		}()
	}
	wg.Wait()

	for _, sub := range subs {
		for i := range perUser {
			req.Equal(int64(i), recvNow(t, sub).(models.NewMessage).ID)
		}
	}
}

func TestHub_LaggingSubscriberSkipsToOldestRetained(t *testing.T) {
	req := require.New(t)
	h := New(Options{})

	sub, err := h.Subscribe(42)
	req.NoError(err)

	// Given a subscriber that reads nothing while 300 events are published
	const total = 300
	for i := range total {
		h.Publish(42, message(int64(i)))
	}

	// When it reads again, it is told how many events it missed
	_, err = sub.TryRecv()
	var lagged *LaggedError
	req.True(errors.As(err, &lagged))
	req.Equal(uint64(total-DefaultCapacity), lagged.Skipped)

	// Then it resumes at the oldest retained event without duplicates
	for i := total - DefaultCapacity; i < total; i++ {
		e, err := sub.TryRecv()
		req.NoError(err)
		req.Equal(int64(i), e.(models.NewMessage).ID)
	}
	_, err = sub.TryRecv()
	req.ErrorIs(err, ErrEmpty)
}

func TestHub_CustomCapacity(t *testing.T) {
	req := require.New(t)
	h := New(Options{Capacity: 2})

	sub, err := h.Subscribe(1)
	req.NoError(err)
	for i := range 5 {
		h.Publish(1, message(int64(i)))
	}

	_, err = sub.TryRecv()
	var lagged *LaggedError
	req.ErrorAs(err, &lagged)
	req.Equal(uint64(3), lagged.Skipped)
	req.Equal(int64(3), recvNow(t, sub).(models.NewMessage).ID)
	req.Equal(int64(4), recvNow(t, sub).(models.NewMessage).ID)
}

func TestHub_MaxUsers(t *testing.T) {
	req := require.New(t)
	h := New(Options{MaxUsers: 1})

	_, err := h.Subscribe(1)
	req.NoError(err)

	// A second connection of an existing user is fine
	_, err = h.Subscribe(1)
	req.NoError(err)

	// A new user is refused
	_, err = h.Subscribe(2)
	req.ErrorIs(err, ErrHubFull)
	req.Equal(1, h.Users())
}

func TestHub_EvictIdleChannels(t *testing.T) {
	req := require.New(t)
	h := New(Options{EvictAfter: time.Minute})

	idle, err := h.Subscribe(1)
	req.NoError(err)
	idle.Close()

	busy, err := h.Subscribe(2)
	req.NoError(err)
	defer busy.Close()

	// Nothing is old enough yet
	req.Equal(0, h.evict(time.Now()))

	// When the grace window passes, only the channel without subscribers goes
	req.Equal(1, h.evict(time.Now().Add(2*time.Minute)))
	req.Equal(1, h.Users())
	req.Equal(0, h.Subscribers(1))
	req.Equal(1, h.Subscribers(2))

	// Publishing to the evicted user is a no-op again
	req.False(h.Publish(1, message(1)))
}

func TestHub_RunEvicts(t *testing.T) {
	req := require.New(t)
	h := New(Options{EvictAfter: 20 * time.Millisecond})

	sub, err := h.Subscribe(1)
	req.NoError(err)
	sub.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Run(ctx) }()

	req.Eventually(func() bool { return h.Users() == 0 }, time.Second, 5*time.Millisecond)

	cancel()
	req.NoError(<-done)
}

func TestHub_RunWithoutEvictionKeepsChannels(t *testing.T) {
	req := require.New(t)
	h := New(Options{})

	sub, err := h.Subscribe(1)
	req.NoError(err)
	sub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	req.NoError(h.Run(ctx))
	req.Equal(1, h.Users())
}

func TestHub_CloseDrainsThenEnds(t *testing.T) {
	req := require.New(t)
	h := New(Options{})

	sub, err := h.Subscribe(1)
	req.NoError(err)
	h.Publish(1, message(1))

	h.Close()

	req.Equal(int64(1), recvNow(t, sub).(models.NewMessage).ID)
	_, err = sub.TryRecv()
	req.ErrorIs(err, ErrClosed)

	select {
	case <-sub.Ready():
	default:
		req.Fail("ready should be closed after hub close")
	}

	_, err = h.Subscribe(2)
	req.ErrorIs(err, ErrClosed)
}

func TestSubscription_RecvHonoursContext(t *testing.T) {
	h := New(Options{})
	sub, err := h.Subscribe(1)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = sub.Recv(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSubscription_RecvWakesOnPublish(t *testing.T) {
	h := New(Options{})
	sub, err := h.Subscribe(1)
	require.NoError(t, err)

	go func() {
		time.Sleep(10 * time.Millisecond)
		h.Publish(1, message(5))
	}()
	require.Equal(t, int64(5), recvNow(t, sub).(models.NewMessage).ID)
}

func TestSubscription_CloseIsIdempotentAndKeepsChannel(t *testing.T) {
	req := require.New(t)
	h := New(Options{})

	a, err := h.Subscribe(1)
	req.NoError(err)
	b, err := h.Subscribe(1)
	req.NoError(err)

	a.Close()
	a.Close()

	req.Equal(1, h.Subscribers(1))
	req.Equal(1, h.Users())

	h.Publish(1, message(1))
	req.Equal(int64(1), recvNow(t, b).(models.NewMessage).ID)
}
