package handlers

import (
	"bytes"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/formbridge/formbridge/internal/api/middleware"
	"github.com/formbridge/formbridge/internal/bus"
	"github.com/formbridge/formbridge/internal/metrics"
	"github.com/formbridge/formbridge/internal/ratelimit"
	"github.com/formbridge/formbridge/pkg/models"
)

// ingestRequest is the client-facing body contract for POST /ingest.
type ingestRequest struct {
	SubmissionID  string          `json:"submission_id"`
	Source        string          `json:"source"`
	FormID        string          `json:"form_id"`
	SchemaVersion string          `json:"schema_version"`
	SubmittedAt   string          `json:"submitted_at"`
	Payload       json.RawMessage `json:"payload"`
	Destinations  []string        `json:"destinations"`
}

// Ingest handles POST /ingest: validate the authenticated body, normalize it
// into a canonical event, check the tenant ingest budget, and publish
// submission.received. Delivery is asynchronous; the 202 only acknowledges
// acceptance into the pipeline.
func (h *Handlers) Ingest(w http.ResponseWriter, r *http.Request) {
	tc := middleware.GetTenant(r.Context())
	if tc == nil {
		writeError(w, http.StatusUnauthorized, "auth.failed", "authentication failed")
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		metrics.IngestRequestsTotal.WithLabelValues("invalid").Inc()
		writeError(w, http.StatusBadRequest, models.ErrIngestInvalidBody, "unreadable body")
		return
	}

	var req ingestRequest
	if err := json.Unmarshal(body, &req); err != nil {
		metrics.IngestRequestsTotal.WithLabelValues("invalid").Inc()
		writeError(w, http.StatusBadRequest, models.ErrIngestInvalidBody, "malformed JSON body")
		return
	}
	if req.FormID == "" || req.SchemaVersion == "" || len(req.Payload) == 0 {
		metrics.IngestRequestsTotal.WithLabelValues("invalid").Inc()
		writeError(w, http.StatusBadRequest, models.ErrIngestInvalidBody, "form_id, schema_version and payload are required")
		return
	}
	if !isJSONObject(req.Payload) {
		metrics.IngestRequestsTotal.WithLabelValues("invalid").Inc()
		writeError(w, http.StatusBadRequest, models.ErrIngestInvalidBody, "payload must be a JSON object")
		return
	}
	if len(req.Payload) > h.maxPayloadBytes {
		metrics.IngestRequestsTotal.WithLabelValues("too_large").Inc()
		writeError(w, http.StatusRequestEntityTooLarge, models.ErrIngestPayloadTooLarge, "payload too large")
		return
	}
	metrics.IngestPayloadBytes.Observe(float64(len(req.Payload)))

	submissionID := req.SubmissionID
	if submissionID != "" {
		id, err := uuid.Parse(submissionID)
		if err != nil || id.Version() != 7 {
			metrics.IngestRequestsTotal.WithLabelValues("invalid").Inc()
			writeError(w, http.StatusBadRequest, models.ErrIngestInvalidBody, "submission_id must be a UUIDv7")
			return
		}
	} else {
		id, err := uuid.NewV7()
		if err != nil {
			writeError(w, http.StatusInternalServerError, models.ErrStoreUnavailable, "id generation failed")
			return
		}
		submissionID = id.String()
	}

	now := h.now().UTC()
	submittedAt := now
	if req.SubmittedAt != "" {
		ts, err := time.Parse(time.RFC3339, req.SubmittedAt)
		if err != nil {
			metrics.IngestRequestsTotal.WithLabelValues("invalid").Inc()
			writeError(w, http.StatusBadRequest, models.ErrIngestInvalidBody, "submitted_at must be RFC 3339")
			return
		}
		submittedAt = ts.UTC()
	} else if hdr := r.Header.Get(middleware.HeaderTimestamp); hdr != "" {
		// The header has already passed replay validation.
		if ts, err := time.Parse(time.RFC3339, hdr); err == nil {
			submittedAt = ts.UTC()
		}
	}

	tenant := &models.Tenant{TenantID: tc.TenantID, Tier: tc.Tier}
	allowed, err := h.limiter.AllowTenant(r.Context(), tenant)
	if err != nil {
		// The bucket store failing should not take ingestion down with it.
		log.Warn().Err(err).Str("tenant_id", tc.TenantID).Msg("Ingest rate check failed, allowing")
	} else if !allowed {
		metrics.IngestRequestsTotal.WithLabelValues("rate_limited").Inc()
		retryAfter := int(ratelimit.RetryAfter(now).Seconds())
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		writeError(w, http.StatusTooManyRequests, models.ErrIngestRateLimited, "ingest rate limit exceeded")
		return
	}

	event := &models.CanonicalEvent{
		TenantID:      tc.TenantID,
		Source:        req.Source,
		FormID:        req.FormID,
		SchemaVersion: req.SchemaVersion,
		SubmissionID:  submissionID,
		SubmittedAt:   submittedAt,
		IngestedAt:    now,
		ClientIP:      clientIP(r),
		Payload:       req.Payload,
		Destinations:  req.Destinations,
	}

	if _, err := h.bus.Publish(r.Context(), bus.TopicSubmissionReceived, event); err != nil {
		metrics.IngestRequestsTotal.WithLabelValues("bus_error").Inc()
		log.Error().Err(err).Str("submission_id", submissionID).Msg("Event publish failed")
		writeError(w, http.StatusServiceUnavailable, models.ErrBusPublishFailed, "temporarily unable to accept submissions")
		return
	}

	metrics.IngestRequestsTotal.WithLabelValues("accepted").Inc()
	log.Info().
		Str("tenant_id", tc.TenantID).
		Str("submission_id", submissionID).
		Str("form_id", req.FormID).
		Msg("Submission accepted")

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"ok":            true,
		"submission_id": submissionID,
	})
}

func isJSONObject(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '{' && json.Valid(trimmed)
}

func clientIP(r *http.Request) string {
	// chi's RealIP middleware rewrites RemoteAddr from forwarding headers.
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
