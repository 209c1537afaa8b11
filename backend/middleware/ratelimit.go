package middleware

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/zhilfond/domo/backend/observability"
	"github.com/zhilfond/domo/backend/ratelimit"
)

// RateLimit admits requests through the shared sliding window. Identity
// is the authenticated service name when present, the client IP
// otherwise. Denials answer 429 with the retry envelope.
func RateLimit(limiter *ratelimit.Limiter, scope string, limit int, window time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity := clientIdentity(r)

			dec, err := limiter.Allow(r.Context(), scope, identity, limit, window)
			if err != nil {
				// invalid key config is a server bug, not a client fault
				WriteError(w, http.StatusInternalServerError, "internal", "rate limiter misconfigured")
				return
			}
			if !dec.Allowed {
				observability.APIRateLimited.WithLabelValues(scope).Inc()
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Retry-After", formatSeconds(dec.RetryAfter))
				w.WriteHeader(http.StatusTooManyRequests)
				json.NewEncoder(w).Encode(map[string]interface{}{
					"error":       "rate_limited",
					"retry_after": dec.RetryAfter.Seconds(),
					"limit":       dec.Limit,
					"window":      dec.Window.Seconds(),
					"reset_at":    dec.ResetAt.UTC().Format(time.RFC3339),
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientIdentity(r *http.Request) string {
	if cred, ok := CredentialFrom(r.Context()); ok {
		return cred.ServiceName
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// formatSeconds renders Retry-After as whole seconds, minimum 1.
func formatSeconds(d time.Duration) string {
	secs := int(d.Seconds())
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}
