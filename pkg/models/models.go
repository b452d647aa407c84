// Package models defines the core domain types shared across the Form-Bridge
// pipeline: tenants, destinations, canonical events, submissions, and
// delivery attempts.
package models

import (
	"encoding/json"
	"time"
)

// ── Tenants ──────────────────────────────────────────────────

// Tier is the billing tier of a tenant. It drives ingest rate limits.
type Tier string

const (
	TierFree    Tier = "free"
	TierStarter Tier = "starter"
	TierPro     Tier = "pro"
)

// IngestLimitPerMinute returns the ingest rate limit for the tier.
func (t Tier) IngestLimitPerMinute() int {
	switch t {
	case TierStarter:
		return 300
	case TierPro:
		return 1000
	default:
		return 60
	}
}

// CORSConfig is the per-tenant CORS policy applied to browser-origin ingests.
type CORSConfig struct {
	AllowedOrigins []string `json:"allowed_origins,omitempty"`
}

// Tenant is the per-tenant configuration record. Tenants are created by the
// tenant-management collaborator; Form-Bridge only reads them.
type Tenant struct {
	TenantID      string     `json:"tenant_id"`
	DisplayName   string     `json:"display_name"`
	Tier          Tier       `json:"tier"`
	CORS          CORSConfig `json:"cors_config"`
	RetentionDays int        `json:"retention_days"` // submission TTL, default 30
	CreatedAt     time.Time  `json:"created_at"`
}

// DefaultRetentionDays is the submission TTL applied when the tenant record
// does not set one.
const DefaultRetentionDays = 30

// ── Destinations ─────────────────────────────────────────────

// AuthMode selects how outbound requests to a destination authenticate.
type AuthMode string

const (
	AuthNone         AuthMode = "none"
	AuthAPIKeyHeader AuthMode = "api_key_header"
	AuthBearer       AuthMode = "bearer"
	AuthHMACOutbound AuthMode = "hmac_outbound"
)

// AuthRef references a credential by secret_ref; the secret value itself
// lives in the SecretStore, never in the submission table.
type AuthRef struct {
	Mode      AuthMode `json:"mode"`
	SecretRef string   `json:"secret_ref,omitempty"`
	Header    string   `json:"header,omitempty"`
}

// RetryPolicy controls the per-destination retry schedule.
type RetryPolicy struct {
	MaxAttempts       int           `json:"max_attempts"`
	BaseDelay         time.Duration `json:"base_delay"`
	MaxDelay          time.Duration `json:"max_delay"`
	PerAttemptTimeout time.Duration `json:"per_attempt_timeout"`
	MaxEventAge       time.Duration `json:"max_event_age"`
}

// DefaultRetryPolicy returns the standard schedule: 6 attempts, 1s base,
// 60s cap, 10s per attempt, 1h total.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:       6,
		BaseDelay:         time.Second,
		MaxDelay:          60 * time.Second,
		PerAttemptTimeout: 10 * time.Second,
		MaxEventAge:       time.Hour,
	}
}

// Destination is a per-tenant delivery target.
type Destination struct {
	TenantID      string                 `json:"tenant_id"`
	DestinationID string                 `json:"destination_id"`
	Type          string                 `json:"type"` // "rest", "email", ...
	Enabled       bool                   `json:"enabled"`
	Config        map[string]interface{} `json:"config,omitempty"`
	FieldMapping  map[string]string      `json:"field_mapping,omitempty"`
	Auth          AuthRef                `json:"auth"`
	Retry         RetryPolicy            `json:"retry_policy"`
	// RateLimitPerSecond shapes outbound traffic; default 10 rps (600/min).
	RateLimitPerSecond int       `json:"rate_limit"`
	CreatedAt          time.Time `json:"created_at"`
}

// RatePerMinute converts the destination rate limit to the fixed-window
// per-minute budget used by the rate bucket.
func (d *Destination) RatePerMinute() int {
	rps := d.RateLimitPerSecond
	if rps <= 0 {
		rps = 10
	}
	return rps * 60
}

// ── Canonical event ──────────────────────────────────────────

// CanonicalEvent is the normalized internal representation of one form
// submission, published on the bus as detail-type "submission.received".
type CanonicalEvent struct {
	TenantID      string          `json:"tenant_id"`
	Source        string          `json:"source,omitempty"`
	FormID        string          `json:"form_id"`
	SchemaVersion string          `json:"schema_version"`
	SubmissionID  string          `json:"submission_id"`
	SubmittedAt   time.Time       `json:"submitted_at"`
	IngestedAt    time.Time       `json:"ingested_at"`
	ClientIP      string          `json:"client_ip,omitempty"`
	Payload       json.RawMessage `json:"payload"`
	Destinations  []string        `json:"destinations,omitempty"`
}

// AsMap returns the event as a generic map for field-mapping expression
// evaluation. Payload is decoded into nested maps.
func (e *CanonicalEvent) AsMap() (map[string]interface{}, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// ── Submissions ──────────────────────────────────────────────

// SubmissionStatus tracks the lifecycle of a stored submission.
type SubmissionStatus string

const (
	SubmissionReceived  SubmissionStatus = "received"
	SubmissionPersisted SubmissionStatus = "persisted"
	SubmissionClosed    SubmissionStatus = "closed"
)

// Submission is the persisted canonical record of one form submission.
type Submission struct {
	TenantID      string           `json:"tenant_id"`
	SubmissionID  string           `json:"submission_id"`
	Source        string           `json:"source,omitempty"`
	FormID        string           `json:"form_id"`
	SchemaVersion string           `json:"schema_version"`
	SubmittedAt   time.Time        `json:"submitted_at"`
	IngestedAt    time.Time        `json:"ingested_at"`
	ClientIP      string           `json:"client_ip,omitempty"`
	Payload       json.RawMessage  `json:"payload"`
	Status        SubmissionStatus `json:"status"`
	ExpiresAt     time.Time        `json:"expires_at,omitempty"`
}

// FromEvent builds the submission record persisted for a canonical event.
func FromEvent(ev *CanonicalEvent, retentionDays int) *Submission {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	return &Submission{
		TenantID:      ev.TenantID,
		SubmissionID:  ev.SubmissionID,
		Source:        ev.Source,
		FormID:        ev.FormID,
		SchemaVersion: ev.SchemaVersion,
		SubmittedAt:   ev.SubmittedAt,
		IngestedAt:    ev.IngestedAt,
		ClientIP:      ev.ClientIP,
		Payload:       ev.Payload,
		Status:        SubmissionPersisted,
		ExpiresAt:     ev.IngestedAt.Add(time.Duration(retentionDays) * 24 * time.Hour),
	}
}

// ── Delivery attempts ────────────────────────────────────────

// Outcome classifies the result of one connector invocation.
type Outcome string

const (
	OutcomeSuccess          Outcome = "success"
	OutcomeRetryableFailure Outcome = "retryable_failure"
	OutcomeTerminalFailure  Outcome = "terminal_failure"
)

// ErrorKind is the closed enum of failure classes surfaced in logs, attempt
// records, and DLQ events.
type ErrorKind string

const (
	ErrAuthMissingHeader  ErrorKind = "auth.missing_header"
	ErrAuthStaleTimestamp ErrorKind = "auth.stale_timestamp"
	ErrAuthUnknownTenant  ErrorKind = "auth.unknown_tenant"
	ErrAuthBadSignature   ErrorKind = "auth.bad_signature"
	ErrAuthTenantMismatch ErrorKind = "auth.tenant_mismatch"

	ErrIngestInvalidBody     ErrorKind = "ingest.invalid_body"
	ErrIngestPayloadTooLarge ErrorKind = "ingest.payload_too_large"
	ErrIngestRateLimited     ErrorKind = "ingest.rate_limited"

	ErrQueryInvalidParam ErrorKind = "query.invalid_param"

	ErrBusPublishFailed ErrorKind = "bus.publish_failed"

	ErrStoreConflict    ErrorKind = "store.conflict"
	ErrStoreUnavailable ErrorKind = "store.unavailable"

	ErrConnectorNetwork     ErrorKind = "connector.network"
	ErrConnectorTimeout     ErrorKind = "connector.timeout"
	ErrConnectorHTTP5xx     ErrorKind = "connector.http_5xx"
	ErrConnectorHTTP4xx     ErrorKind = "connector.http_4xx"
	ErrConnectorRateLimited ErrorKind = "connector.rate_limited"

	ErrEventAgeExceeded   ErrorKind = "orchestrator.event_age_exceeded"
	ErrDestinationDeleted ErrorKind = "orchestrator.destination_deleted"
)

// DeliveryOutcome is what a connector returns for a single invocation.
// Connectors never retry internally; retry is the orchestrator's job.
type DeliveryOutcome struct {
	Outcome    Outcome
	StatusCode int
	ErrorKind  ErrorKind
	Message    string
	Duration   time.Duration
}

// DeliveryAttempt is the append-only audit record of one connector
// invocation for a (submission, destination) pair.
type DeliveryAttempt struct {
	SubmissionID  string     `json:"submission_id"`
	DestinationID string     `json:"destination_id"`
	AttemptNumber int        `json:"attempt_number"`
	StartedAt     time.Time  `json:"started_at"`
	FinishedAt    time.Time  `json:"finished_at"`
	Outcome       Outcome    `json:"outcome"`
	StatusCode    int        `json:"status_code"`
	ErrorKind     ErrorKind  `json:"error_kind,omitempty"`
	ErrorMessage  string     `json:"error_message,omitempty"`
	DurationMS    int64      `json:"duration_ms"`
	NextRetryAt   *time.Time `json:"next_retry_at,omitempty"`
}

// MaxErrorMessageLen bounds the stored error message on attempt records.
const MaxErrorMessageLen = 512

// ── Delivery summaries and DLQ records ───────────────────────

// DestinationSummary is the per-destination entry in a submission.closed event.
type DestinationSummary struct {
	DestinationID string  `json:"destination_id"`
	FinalOutcome  Outcome `json:"final_outcome"`
	Attempts      int     `json:"attempts"`
}

// DeliverySummary is emitted on topic "submission.closed" once the fan-out
// for a submission reaches a terminal state on every destination.
type DeliverySummary struct {
	SubmissionID   string               `json:"submission_id"`
	TenantID       string               `json:"tenant_id"`
	PerDestination []DestinationSummary `json:"per_destination"`
}

// DLQRecord wraps an event whose processing terminally failed.
type DLQRecord struct {
	OriginalEvent json.RawMessage `json:"original_event"`
	SubmissionID  string          `json:"submission_id,omitempty"`
	DestinationID string          `json:"destination_id,omitempty"`
	LastErrorKind ErrorKind       `json:"last_error_kind"`
	AttemptCount  int             `json:"attempt_count"`
}

// ── HTTP error envelope ──────────────────────────────────────

// ErrorBody is the shared error response shape:
// {"error":{"kind":"...","message":"..."}}.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail carries the machine-readable kind and an opaque-safe message.
type ErrorDetail struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}
