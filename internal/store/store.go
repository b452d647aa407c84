// Package store provides the SubmissionStore port and its implementations.
// All persistent entities live in one logical key-value table keyed by
// (PK, SK), with a single time-ordered secondary index for tenant queries.
// MemoryStore backs tests and zero-config dev mode; BoltStore is the durable
// single-file implementation.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/formbridge/formbridge/pkg/models"
)

// Store is the SubmissionStore port. Every read and write is tenant-scoped:
// the tenant id is either an explicit argument or embedded in the record key.
// Implementations must be safe under concurrent access from multiple
// goroutines and, for BoltStore, multiple processes sharing the file are not
// supported (bbolt is single-writer); cross-process deployments plug in a
// shared implementation behind this same interface.
type Store interface {
	// Tenant and destination config (read path; records are managed by the
	// tenant-management collaborator, Put* exist for seeding and tests).
	GetTenant(ctx context.Context, tenantID string) (*models.Tenant, error)
	PutTenant(ctx context.Context, tenant *models.Tenant) error
	ListTenants(ctx context.Context) ([]models.Tenant, error)
	ListDestinations(ctx context.Context, tenantID string) ([]models.Destination, error)
	GetDestination(ctx context.Context, tenantID, destinationID string) (*models.Destination, error)
	PutDestination(ctx context.Context, dest *models.Destination) error

	// Submissions. PutSubmissionIfAbsent is create-only and returns
	// ErrAlreadyExists when the (PK, SK) pair exists; this is the idempotency
	// anchor for the whole pipeline.
	PutSubmissionIfAbsent(ctx context.Context, sub *models.Submission) error
	GetSubmission(ctx context.Context, tenantID, submissionID string) (*models.Submission, error)

	// ListSubmissionsByTime returns submissions for the tenant ordered newest
	// first, filtered to [since, until] on submitted_at (zero values disable
	// a bound). cursor is the store-native continuation returned by a
	// previous call; the empty string starts from the top. Reads may be
	// eventually consistent.
	ListSubmissionsByTime(ctx context.Context, tenantID string, since, until time.Time, cursor string, limit int) ([]models.Submission, string, error)

	// Delivery attempts. AppendDeliveryAttempt is conditional on the attempt
	// key being absent, guaranteeing attempt_number uniqueness under
	// concurrent writers.
	AppendDeliveryAttempt(ctx context.Context, attempt *models.DeliveryAttempt) error
	LastAttemptNumber(ctx context.Context, submissionID, destinationID string) (int, error)
	ListDeliveryAttempts(ctx context.Context, submissionID, destinationID string) ([]models.DeliveryAttempt, error)

	// PurgeExpiredSubmissions deletes the tenant's submissions whose
	// expires_at has passed, along with their time-index entries and
	// delivery attempts, and reports how many were removed.
	PurgeExpiredSubmissions(ctx context.Context, tenantID string, now time.Time) (int, error)

	// IncrementRateBucket atomically increments the fixed-window counter for
	// (scope, minute) and reports whether the increment stayed within limit.
	// When it would exceed the limit, the counter is left untouched and
	// false is returned.
	IncrementRateBucket(ctx context.Context, scope string, minute int64, limit int) (bool, error)

	// Ping checks that the store is reachable.
	Ping(ctx context.Context) error

	// Close releases all resources held by the store.
	Close() error
}

// ── Errors ──────────────────────────────────────────────────

// ErrNotFound is returned when a requested entity does not exist.
type ErrNotFound struct {
	Entity string
	Key    string
}

func (e *ErrNotFound) Error() string {
	return e.Entity + " not found: " + e.Key
}

// ErrAlreadyExists is returned by create-only writes when the key is taken.
type ErrAlreadyExists struct {
	Entity string
	Key    string
}

func (e *ErrAlreadyExists) Error() string {
	return e.Entity + " already exists: " + e.Key
}

// IsNotFound reports whether err is an ErrNotFound.
func IsNotFound(err error) bool {
	_, ok := err.(*ErrNotFound)
	return ok
}

// IsAlreadyExists reports whether err is an ErrAlreadyExists.
func IsAlreadyExists(err error) bool {
	_, ok := err.(*ErrAlreadyExists)
	return ok
}

// ── Key layout ──────────────────────────────────────────────
//
// | Entity           | PK            | SK                        |
// | Tenant config    | TENANT#{t}    | CONFIG#main               |
// | Destination      | TENANT#{t}    | DEST#{d}                  |
// | Submission       | TENANT#{t}    | SUB#{s}                   |
// | Delivery attempt | SUB#{s}       | DEST#{d}#ATTEMPT#{n:04d}  |
// | Rate bucket      | RATE#{scope}  | BUCKET#{unix_minute}      |
//
// The time index maps TENANT#{t} / TS#{submitted_at}#{s} to the submission.

// tsKeyFormat renders timestamps fixed-width so lexicographic order equals
// time order.
const tsKeyFormat = "2006-01-02T15:04:05.000000000Z07:00"

func tenantPK(tenantID string) string { return "TENANT#" + tenantID }

func destSK(destinationID string) string { return "DEST#" + destinationID }

func subSK(submissionID string) string { return "SUB#" + submissionID }

func attemptSK(destinationID string, n int) string {
	return fmt.Sprintf("DEST#%s#ATTEMPT#%04d", destinationID, n)
}

func attemptPrefix(destinationID string) string {
	return "DEST#" + destinationID + "#ATTEMPT#"
}

// TimeIndexKey builds the GSI1SK value for a submission.
func TimeIndexKey(submittedAt time.Time, submissionID string) string {
	return "TS#" + submittedAt.UTC().Format(tsKeyFormat) + "#" + submissionID
}

// TenantScope and DestinationScope name the rate-bucket scopes.
func TenantScope(tenantID string) string { return "TENANT#" + tenantID }

func DestinationScope(tenantID, destinationID string) string {
	return "DEST#" + tenantID + "#" + destinationID
}
