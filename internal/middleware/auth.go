package middleware

import (
	"context"
	"net/http"

	"workspace-collab/internal/auth"
	"workspace-collab/internal/logger"
	"workspace-collab/internal/models"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Authenticator resolves a bearer credential to the calling user
type Authenticator interface {
	Authenticate(cred auth.Credential) (models.Identity, error)
}

type identityCtxKey struct{}

// Auth rejects requests without a valid bearer token with 401 and stores the
// verified identity in the request context. A nil authn rejects everything.
func Auth(authn Authenticator, log zerolog.Logger) func(http.Handler) http.Handler {
	log = log.With().Str("component", "http_auth").Logger()
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if authn == nil {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			id, err := authn.Authenticate(auth.CredentialFromRequest(r))
			if err != nil {
				logger.WithTrace(r.Context(), log.Debug()).
					Str("request_id", GetRequestID(r.Context())).
					Str("path", r.URL.Path).
					Msg("request rejected")
				w.Header().Set("WWW-Authenticate", "Bearer")
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("user.id", id.UserID))
			ctx := context.WithValue(r.Context(), identityCtxKey{}, id)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// IdentityFromContext returns the identity stored by Auth
func IdentityFromContext(ctx context.Context) (models.Identity, bool) {
	id, ok := ctx.Value(identityCtxKey{}).(models.Identity)
	return id, ok
}
