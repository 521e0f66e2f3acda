package server

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"chat-notify/internal/auth"
	"chat-notify/internal/hub"
	"chat-notify/internal/models"
)

func newTestRouter(t *testing.T, h *hub.Hub, origin string) http.Handler {
	t.Helper()
	v, err := auth.NewVerifier(auth.Options{Insecure: true})
	require.NoError(t, err)
	return NewRouter(Options{Hub: h, Verifier: v, CORSOrigin: origin, Heartbeat: time.Hour})
}

func TestHealth(t *testing.T) {
	req := require.New(t)
	h := hub.New(hub.Options{})
	_, err := h.Subscribe(1)
	req.NoError(err)

	rec := httptest.NewRecorder()
	newTestRouter(t, h, "*").ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	req.Equal(http.StatusOK, rec.Code)
	req.Equal("*", rec.Header().Get("Access-Control-Allow-Origin"))

	var body struct {
		Status string `json:"status"`
		Users  int    `json:"users"`
	}
	req.NoError(json.Unmarshal(rec.Body.Bytes(), &body))
	req.Equal("ok", body.Status)
	req.Equal(1, body.Users)
}

func TestPreflight(t *testing.T) {
	rec := httptest.NewRecorder()
	newTestRouter(t, hub.New(hub.Options{}), "https://chat.example").
		ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/events", nil))

	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, "https://chat.example", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestStreamRoutesRequireAuth(t *testing.T) {
	router := newTestRouter(t, hub.New(hub.Options{}), "*")
	for _, path := range []string{"/events", "/ws"} {
		t.Run(path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
			require.Equal(t, http.StatusUnauthorized, rec.Code)
		})
	}
}

func TestEventsStream(t *testing.T) {
	req := require.New(t)
	h := hub.New(hub.Options{})
	srv := httptest.NewServer(newTestRouter(t, h, "*"))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	// Given user 42 connected to /events
	r, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events", nil)
	req.NoError(err)
	r.Header.Set("X-User-ID", "42")
	resp, err := http.DefaultClient.Do(r)
	req.NoError(err)
	defer resp.Body.Close()
	req.Equal(http.StatusOK, resp.StatusCode)
	req.Equal("text/event-stream", resp.Header.Get("Content-Type"))
	req.Eventually(func() bool { return h.Subscribers(42) == 1 }, time.Second, 5*time.Millisecond)

	// When a chat is renamed
	name := "renamed"
	h.Publish(42, models.UpdateChatName{Chat: models.Chat{ID: 3, Name: &name}})

	// Then the frame carries the label
	scanner := bufio.NewScanner(resp.Body)
	req.True(scanner.Scan())
	req.Equal("event: UpdateChatName", scanner.Text())
	req.True(scanner.Scan())
	req.True(strings.HasPrefix(scanner.Text(), "data: "))
}

func TestCheckOrigin(t *testing.T) {
	tests := []struct {
		name    string
		allowed string
		origin  string
		want    bool
	}{
		{"wildcard", "*", "https://evil.example", true},
		{"unset", "", "https://evil.example", true},
		{"match", "https://chat.example", "https://chat.example", true},
		{"mismatch", "https://chat.example", "https://evil.example", false},
		{"no origin header", "https://chat.example", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/ws", nil)
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			require.Equal(t, tt.want, checkOrigin(tt.allowed)(r))
		})
	}
}
