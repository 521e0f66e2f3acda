// Package sse serves live chat events as a Server-Sent-Events stream.
package sse

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"chat-notify/internal/auth"
	"chat-notify/internal/hub"
)

// SkipEvent labels the frame sent after a subscriber lagged behind.
const SkipEvent = "Skipped"

// Writer writes SSE frames to an HTTP response.
type Writer struct {
	w  io.Writer
	rc *http.ResponseController
}

func NewWriter(w http.ResponseWriter) *Writer {
	return &Writer{w: w, rc: http.NewResponseController(w)}
}

func (w *Writer) WriteEvent(_ context.Context, label string, data []byte) error {
	var buf bytes.Buffer
	buf.WriteString("event: ")
	buf.WriteString(label)
	buf.WriteByte('\n')
	for line := range bytes.Lines(data) {
		buf.WriteString("data: ")
		buf.Write(bytes.TrimRight(line, "\r\n"))
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')
	return w.flush(buf.Bytes())
}

// WriteHeartbeat sends a comment line, which clients ignore.
func (w *Writer) WriteHeartbeat(context.Context) error {
	return w.flush([]byte(": " + hub.KeepAliveText + "\n\n"))
}

func (w *Writer) WriteSkip(ctx context.Context, skipped uint64) error {
	return w.WriteEvent(ctx, SkipEvent, fmt.Appendf(nil, `{"skipped":%d}`, skipped))
}

func (w *Writer) flush(frame []byte) error {
	if _, err := w.w.Write(frame); err != nil {
		return err
	}
	return w.rc.Flush()
}

// Handler streams the authenticated user's events.
type Handler struct {
	Hub       *hub.Hub
	Heartbeat time.Duration
	Log       *slog.Logger
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	log := h.Log
	if log == nil {
		log = slog.Default()
	}

	user, ok := auth.UserFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	sub, err := h.Hub.Subscribe(user.ID)
	if err != nil {
		log.Warn("[SSE] Subscribe failed", "user", user.ID, "error", err)
		if errors.Is(err, hub.ErrHubFull) {
			w.Header().Set("Retry-After", strconv.Itoa(1))
		}
		http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
		return
	}

	writer := NewWriter(w)
	// Streams outlive the server's write timeout.
	_ = writer.rc.SetWriteDeadline(time.Time{})

	header := w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if err := writer.rc.Flush(); err != nil {
		sub.Close()
		log.Error("[SSE] Response cannot be flushed", "user", user.ID, "error", err)
		return
	}

	stream := &hub.Stream{
		ID:        uuid.NewString(),
		Sub:       sub,
		Writer:    writer,
		Heartbeat: h.Heartbeat,
		Log:       log,
	}
	log.Info("[SSE] User subscribed", "user", user.ID, "stream", stream.ID, "from", r.RemoteAddr)

	if err := stream.Run(r.Context()); err != nil {
		log.Debug("[SSE] Stream ended with error", "user", user.ID, "stream", stream.ID, "error", err)
	}
	log.Info("[SSE] User disconnected", "user", user.ID, "stream", stream.ID)
}
