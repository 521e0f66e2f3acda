package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"chat-notify/internal/models"
)

const (
	// DefaultHeartbeat is the keep-alive interval of a Stream.
	DefaultHeartbeat = time.Second

	// KeepAliveText is the fixed payload of heartbeat frames.
	KeepAliveText = "keep-alive-text"
)

// FrameWriter emits frames on one client connection.
type FrameWriter interface {
	WriteEvent(ctx context.Context, label string, data []byte) error
	WriteHeartbeat(ctx context.Context) error
	// WriteSkip tells the client that skipped events were lost.
	WriteSkip(ctx context.Context, skipped uint64) error
}

// Stream turns a Subscription into frames for exactly one client.
type Stream struct {
	ID        string
	Sub       *Subscription
	Writer    FrameWriter
	Heartbeat time.Duration
	Log       *slog.Logger

	// Marshal encodes event payloads; nil means models.MarshalEvent.
	Marshal func(models.Event) ([]byte, error)
}

// Run writes frames until ctx is cancelled, the channel is closed or the
// writer fails. The subscription is closed on return. Cancellation and
// channel close are not errors.
func (s *Stream) Run(ctx context.Context) error {
	defer s.Sub.Close()

	heartbeat := s.Heartbeat
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeat
	}
	log := s.Log
	if log == nil {
		log = slog.Default()
	}
	log = log.With("stream", s.ID, "user", s.Sub.UserID)

	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			return nil
		}

		e, err := s.Sub.TryRecv()
		var lagged *LaggedError
		switch {
		case err == nil:
			if err := s.writeEvent(ctx, log, e); err != nil {
				return err
			}
			continue
		case errors.As(err, &lagged):
			log.Warn("[STREAM] Subscriber lagged", "skipped", lagged.Skipped)
			if err := s.Writer.WriteSkip(ctx, lagged.Skipped); err != nil {
				return fmt.Errorf("write skip: %w", err)
			}
			continue
		case errors.Is(err, ErrClosed):
			log.Debug("[STREAM] Channel closed")
			return nil
		}

		select {
		case <-ctx.Done():
			return nil
		case <-s.Sub.Ready():
		case <-ticker.C:
			if err := s.Writer.WriteHeartbeat(ctx); err != nil {
				return fmt.Errorf("write heartbeat: %w", err)
			}
		}
	}
}

// writeEvent drops the frame when the payload cannot be encoded so a single
// bad event does not end the stream.
func (s *Stream) writeEvent(ctx context.Context, log *slog.Logger, e models.Event) error {
	marshal := s.Marshal
	if marshal == nil {
		marshal = models.MarshalEvent
	}

	label := e.Kind().String()
	data, err := marshal(e)
	if err != nil {
		log.Error("[STREAM] Failed to encode event, dropping frame", "event", label, "error", err)
		s.Sub.hub.metrics.FramesDropped.Add(ctx, 1)
		return nil
	}

	if err := s.Writer.WriteEvent(ctx, label, data); err != nil {
		return fmt.Errorf("write %s: %w", label, err)
	}
	return nil
}
