package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/formbridge/formbridge/internal/api/middleware"
	"github.com/formbridge/formbridge/pkg/models"
)

// submissionListItem is the dashboard listing shape: metadata plus a bounded
// payload preview. The full payload comes from GET /submissions/{id}.
type submissionListItem struct {
	SubmissionID   string                  `json:"submission_id"`
	FormID         string                  `json:"form_id"`
	SubmittedAt    time.Time               `json:"submitted_at"`
	Status         models.SubmissionStatus `json:"status"`
	PayloadPreview string                  `json:"payload_preview"`
}

type submissionListResponse struct {
	Items      []submissionListItem `json:"items"`
	NextCursor *string              `json:"next_cursor"`
}

// payloadPreviewBytes bounds the serialized payload slice shown in listings.
const payloadPreviewBytes = 256

// ListSubmissions handles GET /submissions: tenant-scoped time-window
// listing with opaque cursor pagination. Reads may be eventually consistent.
func (h *Handlers) ListSubmissions(w http.ResponseWriter, r *http.Request) {
	tc := middleware.GetTenant(r.Context())
	if tc == nil {
		writeError(w, http.StatusUnauthorized, "auth.failed", "authentication failed")
		return
	}

	q := r.URL.Query()
	if want := q.Get("tenant_id"); want != "" && want != tc.TenantID {
		writeError(w, http.StatusForbidden, models.ErrAuthTenantMismatch, "tenant mismatch")
		return
	}

	var since, until time.Time
	if v := q.Get("since"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, models.ErrQueryInvalidParam, "since must be RFC 3339")
			return
		}
		since = ts
	}
	if v := q.Get("until"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, models.ErrQueryInvalidParam, "until must be RFC 3339")
			return
		}
		until = ts
	}

	limit := h.defaultLimit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, models.ErrQueryInvalidParam, "limit must be an integer")
			return
		}
		limit = n
	}
	// Out-of-range limits are clamped, not rejected.
	if limit < 1 {
		limit = h.defaultLimit
	}
	if limit > h.maxLimit {
		limit = h.maxLimit
	}

	native := ""
	if cursor := q.Get("cursor"); cursor != "" {
		decoded, err := h.cursors.Decode(tc.TenantID, cursor)
		if err != nil {
			writeError(w, http.StatusBadRequest, models.ErrQueryInvalidParam, "invalid cursor")
			return
		}
		native = decoded
	}

	items, next, err := h.store.ListSubmissionsByTime(r.Context(), tc.TenantID, since, until, native, limit)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, models.ErrStoreUnavailable, "listing temporarily unavailable")
		return
	}

	resp := submissionListResponse{Items: make([]submissionListItem, 0, len(items))}
	for _, sub := range items {
		resp.Items = append(resp.Items, submissionListItem{
			SubmissionID:   sub.SubmissionID,
			FormID:         sub.FormID,
			SubmittedAt:    sub.SubmittedAt,
			Status:         sub.Status,
			PayloadPreview: preview(sub.Payload),
		})
	}
	if next != "" {
		token := h.cursors.Encode(tc.TenantID, next)
		resp.NextCursor = &token
	}

	writeJSON(w, http.StatusOK, resp)
}

// GetSubmission handles GET /submissions/{id}: the full record, same tenant
// rules as the listing.
func (h *Handlers) GetSubmission(w http.ResponseWriter, r *http.Request) {
	tc := middleware.GetTenant(r.Context())
	if tc == nil {
		writeError(w, http.StatusUnauthorized, "auth.failed", "authentication failed")
		return
	}

	id := chi.URLParam(r, "submissionID")
	sub, err := h.store.GetSubmission(r.Context(), tc.TenantID, id)
	if err != nil {
		writeError(w, http.StatusNotFound, "query.not_found", "submission not found")
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func preview(payload []byte) string {
	if len(payload) > payloadPreviewBytes {
		payload = payload[:payloadPreviewBytes]
	}
	return string(payload)
}
