// Package ws serves live chat events over WebSocket.
package ws

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"chat-notify/internal/auth"
	"chat-notify/internal/hub"
)

// Handler upgrades the connection and streams the authenticated user's events.
type Handler struct {
	Hub       *hub.Hub
	Heartbeat time.Duration
	Log       *slog.Logger
	// CheckOrigin validates the Origin header; nil allows every origin.
	CheckOrigin func(r *http.Request) bool
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

	// Subscribe before upgrading so a refusal is still a plain HTTP error.
	sub, err := h.Hub.Subscribe(user.ID)
	if err != nil {
		log.Warn("[WS] Subscribe failed", "user", user.ID, "error", err)
		if errors.Is(err, hub.ErrHubFull) {
			w.Header().Set("Retry-After", strconv.Itoa(1))
		}
		http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.CheckOrigin,
	}
	if upgrader.CheckOrigin == nil {
		upgrader.CheckOrigin = func(*http.Request) bool { return true }
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		sub.Close()
		log.Error("[WS] Failed to upgrade connection", "user", user.ID, "error", err)
		return
	}

	client := &Client{conn: conn, userID: user.ID, log: log}
	stream := &hub.Stream{
		ID:        uuid.NewString(),
		Sub:       sub,
		Writer:    client,
		Heartbeat: h.Heartbeat,
		Log:       log,
	}
	log.Info("[WS] User subscribed", "user", user.ID, "stream", stream.ID, "from", r.RemoteAddr)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go client.ReadPump(cancel)

	if err := stream.Run(ctx); err != nil {
		log.Debug("[WS] Stream ended with error", "user", user.ID, "stream", stream.ID, "error", err)
	}
	client.close()
	log.Info("[WS] User disconnected", "user", user.ID, "stream", stream.ID)
}
