package hub

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"chat-notify/internal/models"
)

// DefaultCapacity is the number of events a per-user channel retains.
const DefaultCapacity = 256

var (
	// ErrEmpty is returned by TryRecv when no event is pending.
	ErrEmpty = errors.New("hub: no pending event")

	// ErrClosed is returned once a channel has been closed and drained.
	ErrClosed = errors.New("hub: channel closed")
)

// LaggedError reports that a receiver fell more than the channel capacity
// behind and Skipped events were overwritten before it read them. The next
// receive yields the oldest event still retained.
type LaggedError struct {
	Skipped uint64
}

func (e *LaggedError) Error() string {
	return fmt.Sprintf("hub: receiver lagged, %d events skipped", e.Skipped)
}

var closedReady = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// channel is a bounded multi-receiver broadcast ring. Every receiver sees
// each event sent after it attached, in send order. Sends never block: once
// the ring is full the oldest slot is overwritten.
type channel struct {
	mu         sync.Mutex
	buf        []models.Event
	tail       uint64 // sequence number of the next send
	notify     chan struct{}
	closed     bool
	receivers  int
	lastActive time.Time
}

func newChannel(capacity int) *channel {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &channel{
		buf:        make([]models.Event, capacity),
		notify:     make(chan struct{}),
		lastActive: time.Now(),
	}
}

func (c *channel) send(e models.Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}
	c.buf[c.tail%uint64(len(c.buf))] = e
	c.tail++
	c.lastActive = time.Now()

	close(c.notify)
	c.notify = make(chan struct{})
	return true
}

func (c *channel) attach() *receiver {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.receivers++
	return &receiver{ch: c, next: c.tail}
}

func (c *channel) detach() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.receivers--
	c.lastActive = time.Now()
}

func (c *channel) receiverCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.receivers
}

// idle reports whether nobody is attached and nothing happened for at least d.
func (c *channel) idle(now time.Time, d time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.receivers == 0 && now.Sub(c.lastActive) >= d
}

func (c *channel) close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	close(c.notify)
}

type receiver struct {
	ch   *channel
	next uint64
}

func (r *receiver) tryRecv() (models.Event, error) {
	c := r.ch
	c.mu.Lock()
	defer c.mu.Unlock()

	if r.next < c.tail {
		size := uint64(len(c.buf))
		var oldest uint64
		if c.tail > size {
			oldest = c.tail - size
		}
		if r.next < oldest {
			skipped := oldest - r.next
			r.next = oldest
			return nil, &LaggedError{Skipped: skipped}
		}
		e := c.buf[r.next%size]
		r.next++
		return e, nil
	}
	if c.closed {
		return nil, ErrClosed
	}
	return nil, ErrEmpty
}

// ready returns a channel that is closed when tryRecv has something to
// report. It is evaluated under the channel lock, so a send racing with a
// preceding tryRecv is never missed.
func (r *receiver) ready() <-chan struct{} {
	c := r.ch
	c.mu.Lock()
	defer c.mu.Unlock()

	if r.next < c.tail || c.closed {
		return closedReady
	}
	return c.notify
}
