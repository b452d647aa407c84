package middleware

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/formbridge/formbridge/internal/secrets"
	"github.com/formbridge/formbridge/internal/store"
	"github.com/formbridge/formbridge/pkg/models"
)

// Ingest authentication headers.
const (
	HeaderTenantID  = "X-Tenant-Id"
	HeaderTimestamp = "X-Timestamp"
	HeaderSignature = "X-Signature"
)

// dummySecret is compared against when the tenant is unknown so that the
// unknown-tenant and bad-signature paths are indistinguishable to callers.
var dummySecret = []byte("formbridge-dummy-secret-for-unknown-tenants")

// HMACAuth verifies that an ingest request originates from a known tenant and
// has not been tampered with or replayed. The signature covers the timestamp
// and the raw body:
//
//	X-Signature = hex(HMAC_SHA256(secret, X-Timestamp + "\n" + raw_body))
//
// All failures produce the same opaque 401; the specific kind goes to the
// structured log only.
type HMACAuth struct {
	secrets secrets.Store
	store   store.Store
	window  time.Duration
	maxBody int64
	now     func() time.Time
}

// NewHMACAuth creates the ingest authenticator. window is the replay
// tolerance; maxBody bounds how many body bytes are read for verification.
func NewHMACAuth(sec secrets.Store, st store.Store, window time.Duration, maxBody int64) *HMACAuth {
	return &HMACAuth{
		secrets: sec,
		store:   st,
		window:  window,
		maxBody: maxBody,
		now:     time.Now,
	}
}

// Middleware authenticates the request, attaches the TenantContext, and
// replaces the consumed body so downstream handlers can re-read it.
func (a *HMACAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenantID := r.Header.Get(HeaderTenantID)
		timestamp := r.Header.Get(HeaderTimestamp)
		signature := r.Header.Get(HeaderSignature)

		// The wrapper adds headroom over the payload limit for the envelope
		// fields around the payload object.
		body, err := io.ReadAll(io.LimitReader(r.Body, a.maxBody+64*1024+1))
		if err != nil {
			a.reject(w, r, models.ErrAuthMissingHeader, "body read failed")
			return
		}
		if int64(len(body)) > a.maxBody+64*1024 {
			writePayloadTooLarge(w)
			return
		}

		if tenantID == "" || timestamp == "" || signature == "" || len(body) == 0 {
			a.reject(w, r, models.ErrAuthMissingHeader, "missing header or body")
			return
		}

		ts, err := time.Parse(time.RFC3339, timestamp)
		if err != nil {
			a.reject(w, r, models.ErrAuthStaleTimestamp, "unparseable timestamp")
			return
		}
		if drift := a.now().Sub(ts); drift > a.window || drift < -a.window {
			a.reject(w, r, models.ErrAuthStaleTimestamp, "timestamp outside replay window")
			return
		}

		kind := models.ErrAuthBadSignature
		secret, err := a.secrets.GetTenantSecret(r.Context(), tenantID)
		if err != nil {
			// Fall through to a comparison against a dummy secret so the
			// unknown-tenant path stays in the same timing class.
			kind = models.ErrAuthUnknownTenant
			secret = dummySecret
		}

		mac := hmac.New(sha256.New, secret)
		mac.Write([]byte(timestamp))
		mac.Write([]byte("\n"))
		mac.Write(body)
		expected := mac.Sum(nil)

		provided, decErr := hex.DecodeString(signature)
		if decErr != nil || !hmac.Equal(expected, provided) || kind == models.ErrAuthUnknownTenant {
			a.reject(w, r, kind, "signature verification failed")
			return
		}

		tc := &TenantContext{TenantID: tenantID, Tier: models.TierFree}
		if tenant, err := a.store.GetTenant(r.Context(), tenantID); err == nil {
			tc.Tier = tenant.Tier
			tc.CORS = tenant.CORS
		} else if !store.IsNotFound(err) {
			log.Warn().Err(err).Str("tenant_id", tenantID).Msg("Tenant config load failed, using defaults")
		}

		trace.SpanFromContext(r.Context()).SetAttributes(
			attribute.String("formbridge.tenant_id", tc.TenantID),
			attribute.String("formbridge.tier", string(tc.Tier)),
		)

		r.Body = io.NopCloser(bytes.NewReader(body))
		next.ServeHTTP(w, r.WithContext(WithTenant(r.Context(), tc)))
	})
}

// reject writes the single opaque 401 used for every auth failure and logs
// the real kind server-side.
func (a *HMACAuth) reject(w http.ResponseWriter, r *http.Request, kind models.ErrorKind, detail string) {
	log.Warn().
		Str("kind", string(kind)).
		Str("detail", detail).
		Str("path", r.URL.Path).
		Str("request_id", middleware.GetReqID(r.Context())).
		Msg("Authentication failed")

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(models.ErrorBody{
		Error: models.ErrorDetail{Kind: "auth.failed", Message: "authentication failed"},
	})
}

func writePayloadTooLarge(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusRequestEntityTooLarge)
	json.NewEncoder(w).Encode(models.ErrorBody{
		Error: models.ErrorDetail{Kind: string(models.ErrIngestPayloadTooLarge), Message: "payload too large"},
	})
}
