// Package middleware carries the HTTP cross-cutting layers: service
// authentication, per-scope rate limiting and CORS.
package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/zhilfond/domo/backend/credentials"
	"github.com/zhilfond/domo/backend/store"
)

type contextKey string

const credentialKey contextKey = "service_credential"

// Service authentication headers.
const (
	HeaderServiceName = "X-Service-Name"
	HeaderServiceKey  = "X-Service-API-Key"
)

// WriteError emits the shared error envelope.
func WriteError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{
		"error":   code,
		"message": message,
	})
}

// ServiceAuth validates the service headers against the credential
// store and stashes the credential in the request context.
func ServiceAuth(creds *credentials.Store) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			name := r.Header.Get(HeaderServiceName)
			key := r.Header.Get(HeaderServiceKey)
			if name == "" || key == "" {
				WriteError(w, http.StatusForbidden, "service_authentication_required",
					"missing service authentication headers")
				return
			}

			cred, err := creds.Validate(r.Context(), name, key, credentials.RequestInfo{
				RemoteAddr: r.RemoteAddr,
				Path:       r.URL.Path,
			})
			switch {
			case err == nil:
			case errors.Is(err, credentials.ErrStoreUnavailable):
				WriteError(w, http.StatusInternalServerError, "authentication_service_error",
					"credential store unavailable")
				return
			default:
				WriteError(w, http.StatusUnauthorized, "invalid_token",
					"service credentials rejected")
				return
			}

			next.ServeHTTP(w, r.WithContext(
				context.WithValue(r.Context(), credentialKey, cred)))
		})
	}
}

// CredentialFrom returns the validated credential, if any.
func CredentialFrom(ctx context.Context) (*store.ServiceCredential, bool) {
	cred, ok := ctx.Value(credentialKey).(*store.ServiceCredential)
	return cred, ok
}

// RequirePermission gates a route on one permission token.
func RequirePermission(permission string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cred, ok := CredentialFrom(r.Context())
			if !ok {
				WriteError(w, http.StatusForbidden, "service_authentication_required",
					"no authenticated service")
				return
			}
			if err := credentials.RequirePermission(cred, permission); err != nil {
				WriteError(w, http.StatusForbidden, "insufficient_permissions",
					"service lacks "+permission)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
