package auth

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// contextKey is used for storing the identity in context.
type contextKey string

const identityContextKey contextKey = "identity"

// Resolver resolves the caller of a request.
type Resolver interface {
	Resolve(r *http.Request) (*Identity, error)
}

// Resolve reads a bearer token and verifies it, falling back to userinfo for
// opaque access tokens.
func (p *Provider) Resolve(r *http.Request) (*Identity, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return nil, errors.New("missing authorization header")
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == authHeader {
		return nil, errors.New("invalid authorization header format")
	}

	id, err := p.VerifyToken(r.Context(), token)
	if err != nil {
		// Try as access token via userinfo
		id, err = p.VerifyAccessToken(r.Context(), token)
		if err != nil {
			return nil, err
		}
	}
	return id, nil
}

// HeaderResolver trusts identity headers set by an authenticating gateway in
// front of this service. Use only when the service is not directly reachable.
type HeaderResolver struct{}

// Header names read by HeaderResolver.
const (
	UserIDHeader      = "X-User-ID"
	WorkspaceIDHeader = "X-Workspace-ID"
)

// Resolve returns the identity named by the gateway headers.
func (HeaderResolver) Resolve(r *http.Request) (*Identity, error) {
	id := &Identity{
		UserID:      r.Header.Get(UserIDHeader),
		WorkspaceID: r.Header.Get(WorkspaceIDHeader),
	}
	if id.UserID == "" || id.WorkspaceID == "" {
		return nil, errors.New("missing identity headers")
	}
	return id, nil
}

// Middleware rejects requests whose caller cannot be resolved.
type Middleware struct {
	resolver Resolver
	logger   *slog.Logger
	now      func() time.Time
}

// NewMiddleware creates a new auth middleware.
func NewMiddleware(resolver Resolver, logger *slog.Logger) *Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return &Middleware{resolver: resolver, logger: logger, now: time.Now}
}

// Handler returns the auth middleware handler.
func (m *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := m.resolver.Resolve(r)
		if err != nil {
			m.logger.Debug("identity not resolved", slog.String("path", r.URL.Path), slog.String("error", err.Error()))
			Unauthorized(w)
			return
		}
		if id.Expired(m.now()) {
			Unauthorized(w)
			return
		}
		ctx := context.WithValue(r.Context(), identityContextKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// IdentityFrom extracts the identity from the request context.
func IdentityFrom(ctx context.Context) *Identity {
	id, _ := ctx.Value(identityContextKey).(*Identity)
	return id
}

// WithIdentity returns ctx carrying id.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityContextKey, id)
}

// Unauthorized writes the 401 body shared by user and cron routes.
func Unauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="mentatlab"`)
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{
		"error": "Unauthorized",
	})
}

// RateLimiter provides rate limiting middleware.
type RateLimiter struct {
	limiter *rate.Limiter
}

// NewRateLimiter creates a new rate limiter.
// rps is requests per second, burst is the maximum burst size.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	return &RateLimiter{
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

// Handler returns the rate limiting middleware handler.
func (rl *RateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.limiter.Allow() {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			json.NewEncoder(w).Encode(map[string]string{
				"error": "rate limit exceeded",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}
