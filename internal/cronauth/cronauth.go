// Package cronauth checks that periodic-trigger requests carry the shared
// cron secret.
package cronauth

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// SecretHeader carries the cron secret. A bearer Authorization header is
// accepted as well.
const SecretHeader = "X-Cron-Secret"

// Authorizer compares request secrets against the configured one.
type Authorizer struct {
	secret []byte
}

// New returns an Authorizer for secret. An empty secret rejects every request.
func New(secret string) *Authorizer {
	return &Authorizer{secret: []byte(secret)}
}

// Authorize reports whether r carries the configured secret.
func (a *Authorizer) Authorize(r *http.Request) bool {
	if len(a.secret) == 0 {
		return false
	}
	got := r.Header.Get(SecretHeader)
	if got == "" {
		if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
			got = strings.TrimPrefix(h, "Bearer ")
		}
	}
	if got == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), a.secret) == 1
}

// Handler wraps next, answering unauthorized requests with reject.
func (a *Authorizer) Handler(reject http.HandlerFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !a.Authorize(r) {
				reject(w, r)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
