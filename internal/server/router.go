// Package server wires the notify HTTP routes.
package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"

	"chat-notify/internal/auth"
	"chat-notify/internal/hub"
	"chat-notify/internal/sse"
	"chat-notify/internal/ws"
)

type Options struct {
	Hub        *hub.Hub
	Verifier   *auth.Verifier
	CORSOrigin string
	Heartbeat  time.Duration
	Log        *slog.Logger
}

// NewRouter returns the notify routes. Stream routes carry no request
// timeout; they live as long as the client stays connected.
func NewRouter(opts Options) http.Handler {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(CORS(opts.CORSOrigin))
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/health", healthHandler(opts.Hub))

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(opts.Verifier))

		r.Method(http.MethodGet, "/events", &sse.Handler{
			Hub:       opts.Hub,
			Heartbeat: opts.Heartbeat,
			Log:       log,
		})
		r.Method(http.MethodGet, "/ws", &ws.Handler{
			Hub:         opts.Hub,
			Heartbeat:   opts.Heartbeat,
			Log:         log,
			CheckOrigin: checkOrigin(opts.CORSOrigin),
		})
	})

	return r
}

// CORS sets the allowed origin on every response and answers preflights.
func CORS(allowedOrigin string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", allowedOrigin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Last-Event-ID")
			w.Header().Set("Access-Control-Allow-Credentials", "true")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// checkOrigin mirrors the CORS setting for WebSocket upgrades. Requests
// without an Origin header come from non-browser clients and are allowed.
func checkOrigin(allowed string) func(r *http.Request) bool {
	if allowed == "" || allowed == "*" {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || origin == allowed
	}
}

func healthHandler(h *hub.Hub) http.HandlerFunc {
	type healthStatus struct {
		Status string `json:"status"`
		Users  int    `json:"users"`
	}
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, healthStatus{Status: "ok", Users: h.Users()})
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to write JSON response", "error", err)
	}
}
