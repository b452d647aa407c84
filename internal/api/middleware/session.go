package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/formbridge/formbridge/pkg/models"
)

// SessionVerifier validates dashboard bearer tokens. Session issuance and
// management belong to the dashboard-auth collaborator; Form-Bridge only
// accepts a verified tenant identity from this port.
type SessionVerifier interface {
	// Verify resolves a bearer token to the tenant it is scoped to.
	Verify(ctx context.Context, token string) (*TenantContext, error)
}

// SessionAuth returns middleware guarding the read path. Requests without a
// valid "Authorization: Bearer <token>" header are rejected with 401.
func SessionAuth(verifier SessionVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			token := strings.TrimPrefix(header, "Bearer ")
			if token == "" || token == header {
				writeSessionUnauthorized(w)
				return
			}

			tc, err := verifier.Verify(r.Context(), token)
			if err != nil || tc == nil {
				log.Debug().Err(err).Str("path", r.URL.Path).Msg("Session verification failed")
				writeSessionUnauthorized(w)
				return
			}

			trace.SpanFromContext(r.Context()).SetAttributes(
				attribute.String("formbridge.tenant_id", tc.TenantID),
			)
			next.ServeHTTP(w, r.WithContext(WithTenant(r.Context(), tc)))
		})
	}
}

func writeSessionUnauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="formbridge"`)
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(models.ErrorBody{
		Error: models.ErrorDetail{Kind: "auth.failed", Message: "authentication failed"},
	})
}
