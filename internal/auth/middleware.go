package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
)

type contextKey struct{}

var userKey = contextKey{}

// WithUser returns a context carrying the authenticated user.
func WithUser(ctx context.Context, u User) context.Context {
	return context.WithValue(ctx, userKey, u)
}

// UserFromContext returns the user stored by Middleware.
func UserFromContext(ctx context.Context) (User, bool) {
	u, ok := ctx.Value(userKey).(User)
	return u, ok
}

// Middleware authenticates the request and stores the User in its context.
// Requests without a valid identity get 401.
func Middleware(v *Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, err := v.Authenticate(r)
			if err != nil {
				v.log.Warn("[AUTH] Authentication failed", "from", r.RemoteAddr, "error", err)
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
		})
	}
}

// Authenticate resolves the identity of r. In insecure mode an X-User-ID
// header is trusted as is.
func (v *Verifier) Authenticate(r *http.Request) (User, error) {
	if v.insecure {
		if raw := r.Header.Get("X-User-ID"); raw != "" {
			id, err := strconv.ParseInt(raw, 10, 64)
			if err != nil || id <= 0 {
				return User{}, errors.Join(ErrInvalidToken, err)
			}
			return User{ID: id}, nil
		}
	}

	token := ExtractTokenFromRequest(r)
	if token == "" {
		return User{}, ErrNoToken
	}
	user, err := v.Verify(token)
	if err != nil {
		return User{}, err
	}
	v.log.Debug("[AUTH] Token validated", "user", user.ID, "ws", user.WsID)
	return user, nil
}

// ExtractTokenFromRequest extracts the JWT from the query (EventSource
// cannot set headers) or the Authorization header.
func ExtractTokenFromRequest(r *http.Request) string {
	q := r.URL.Query()
	if token := q.Get("access_token"); token != "" {
		return token
	}
	if token := q.Get("token"); token != "" {
		return token
	}

	authHeader := r.Header.Get("Authorization")
	if authHeader != "" {
		return strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	}
	return ""
}

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}
