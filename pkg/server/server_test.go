package server

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/formbridge/formbridge/internal/config"
	"github.com/formbridge/formbridge/internal/store"
	"github.com/formbridge/formbridge/pkg/models"
)

const (
	testTenant  = "t_acme"
	testSecret  = "acme-shared-secret"
	testSession = "session-token-acme"
)

// upstream is a destination endpoint that records what it receives.
type upstream struct {
	mu     sync.Mutex
	bodies []map[string]interface{}
	srv    *httptest.Server
}

func newUpstream(t *testing.T) *upstream {
	t.Helper()
	u := &upstream{}
	u.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		var body map[string]interface{}
		json.Unmarshal(raw, &body)
		u.mu.Lock()
		u.bodies = append(u.bodies, body)
		u.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(u.srv.Close)
	return u
}

func (u *upstream) hits() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.bodies)
}

func newTestServer(t *testing.T) (*Server, *upstream) {
	t.Helper()

	cfg := config.Load()
	cfg.Store.Driver = "memory"
	cfg.Metrics.Enabled = false
	cfg.Telemetry.Enabled = false
	cfg.Query.CursorSecret = "test-cursor-secret"

	srv, err := NewWithConfig(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.ShutdownFunc(ctx)
		srv.Store.Close()
	})

	srv.Secrets.SetTenantSecret(testTenant, []byte(testSecret))
	srv.Sessions.AddToken(testSession, testTenant)

	ctx := context.Background()
	require.NoError(t, srv.Store.PutTenant(ctx, &models.Tenant{
		TenantID: testTenant,
		Tier:     models.TierPro,
	}))

	up := newUpstream(t)
	require.NoError(t, srv.Store.PutDestination(ctx, &models.Destination{
		TenantID:      testTenant,
		DestinationID: "crm",
		Type:          "rest",
		Enabled:       true,
		Config:        map[string]interface{}{"endpoint": up.srv.URL},
		FieldMapping: map[string]string{
			"email": ".payload.email",
			"form":  ".form_id",
		},
		Retry: models.RetryPolicy{
			MaxAttempts:       3,
			BaseDelay:         time.Millisecond,
			MaxDelay:          5 * time.Millisecond,
			PerAttemptTimeout: 2 * time.Second,
			MaxEventAge:       time.Hour,
		},
	}))

	return srv, up
}

func signIngest(t *testing.T, body []byte, tenantID, secret string, ts time.Time) *http.Request {
	t.Helper()
	timestamp := ts.UTC().Format(time.RFC3339)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("\n"))
	mac.Write(body)

	r := httptest.NewRequest(http.MethodPost, "/ingest", bytes.NewReader(body))
	r.Header.Set("Content-Type", "application/json")
	r.Header.Set("X-Tenant-Id", tenantID)
	r.Header.Set("X-Timestamp", timestamp)
	r.Header.Set("X-Signature", hex.EncodeToString(mac.Sum(nil)))
	return r
}

func ingestBody(t *testing.T, extra map[string]interface{}) []byte {
	t.Helper()
	body := map[string]interface{}{
		"form_id":        "contact",
		"schema_version": "1.0",
		"payload":        map[string]string{"email": "ada@example.com", "name": "Ada"},
	}
	for k, v := range extra {
		body[k] = v
	}
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	return raw
}

func eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestEndToEndHappyPath(t *testing.T) {
	srv, up := newTestServer(t)

	body := ingestBody(t, nil)
	w := httptest.NewRecorder()
	srv.Handler.ServeHTTP(w, signIngest(t, body, testTenant, testSecret, time.Now()))
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	var resp struct {
		OK           bool   `json:"ok"`
		SubmissionID string `json:"submission_id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.True(t, resp.OK)
	require.NotEmpty(t, resp.SubmissionID)

	ctx := context.Background()
	eventually(t, 5*time.Second, func() bool {
		_, err := srv.Store.GetSubmission(ctx, testTenant, resp.SubmissionID)
		return err == nil
	}, "submission never persisted")

	eventually(t, 5*time.Second, func() bool {
		attempts, err := srv.Store.ListDeliveryAttempts(ctx, resp.SubmissionID, "crm")
		return err == nil && len(attempts) > 0 && attempts[len(attempts)-1].Outcome == models.OutcomeSuccess
	}, "delivery never succeeded")

	// The destination received the field-mapped body, not the raw event.
	require.GreaterOrEqual(t, up.hits(), 1)
	up.mu.Lock()
	got := up.bodies[0]
	up.mu.Unlock()
	assert.Equal(t, "ada@example.com", got["email"])
	assert.Equal(t, "contact", got["form"])

	// The dashboard sees the submission.
	w = httptest.NewRecorder()
	listReq := httptest.NewRequest(http.MethodGet, "/submissions", nil)
	listReq.Header.Set("Authorization", "Bearer "+testSession)
	srv.Handler.ServeHTTP(w, listReq)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), resp.SubmissionID)
}

func TestEndToEndDuplicateSubmission(t *testing.T) {
	srv, _ := newTestServer(t)

	id := "0192b000-1111-7000-8000-000000000042"
	body := ingestBody(t, map[string]interface{}{"submission_id": id})

	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		srv.Handler.ServeHTTP(w, signIngest(t, body, testTenant, testSecret, time.Now()))
		require.Equal(t, http.StatusAccepted, w.Code, "delivery %d: %s", i, w.Body.String())
	}

	ctx := context.Background()
	eventually(t, 5*time.Second, func() bool {
		_, err := srv.Store.GetSubmission(ctx, testTenant, id)
		return err == nil
	}, "submission never persisted")

	// Exactly one canonical record regardless of how many times it arrived.
	items, _, err := srv.Store.ListSubmissionsByTime(ctx, testTenant, time.Time{}, time.Time{}, "", 50)
	require.NoError(t, err)
	count := 0
	for _, it := range items {
		if it.SubmissionID == id {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestEndToEndReplayRejected(t *testing.T) {
	srv, _ := newTestServer(t)

	body := ingestBody(t, nil)
	w := httptest.NewRecorder()
	srv.Handler.ServeHTTP(w, signIngest(t, body, testTenant, testSecret, time.Now().Add(-10*time.Minute)))

	require.Equal(t, http.StatusUnauthorized, w.Code)
	var eb models.ErrorBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &eb))
	assert.Equal(t, "auth.failed", eb.Error.Kind)
}

func TestEndToEndBadSignatureRejected(t *testing.T) {
	srv, _ := newTestServer(t)

	w := httptest.NewRecorder()
	srv.Handler.ServeHTTP(w, signIngest(t, ingestBody(t, nil), testTenant, "wrong-secret", time.Now()))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestEndToEndTenantIsolation(t *testing.T) {
	srv, _ := newTestServer(t)

	otherSession := "session-token-other"
	srv.Sessions.AddToken(otherSession, "t_other")

	// Ingest one submission for t_acme.
	id := "0192b000-2222-7000-8000-000000000099"
	w := httptest.NewRecorder()
	srv.Handler.ServeHTTP(w, signIngest(t, ingestBody(t, map[string]interface{}{"submission_id": id}), testTenant, testSecret, time.Now()))
	require.Equal(t, http.StatusAccepted, w.Code)

	ctx := context.Background()
	eventually(t, 5*time.Second, func() bool {
		_, err := srv.Store.GetSubmission(ctx, testTenant, id)
		return err == nil
	}, "submission never persisted")

	// The other tenant cannot fetch it by id.
	w = httptest.NewRecorder()
	getReq := httptest.NewRequest(http.MethodGet, "/submissions/"+id, nil)
	getReq.Header.Set("Authorization", "Bearer "+otherSession)
	srv.Handler.ServeHTTP(w, getReq)
	assert.Equal(t, http.StatusNotFound, w.Code)

	// Asking for another tenant's listing is a hard 403.
	w = httptest.NewRecorder()
	listReq := httptest.NewRequest(http.MethodGet, "/submissions?tenant_id="+testTenant, nil)
	listReq.Header.Set("Authorization", "Bearer "+otherSession)
	srv.Handler.ServeHTTP(w, listReq)
	assert.Equal(t, http.StatusForbidden, w.Code)

	// And their own listing is empty.
	w = httptest.NewRecorder()
	listReq = httptest.NewRequest(http.MethodGet, "/submissions", nil)
	listReq.Header.Set("Authorization", "Bearer "+otherSession)
	srv.Handler.ServeHTTP(w, listReq)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), id)
}

func TestEndToEndReadPathRequiresSession(t *testing.T) {
	srv, _ := newTestServer(t)

	w := httptest.NewRecorder()
	srv.Handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/submissions", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = httptest.NewRecorder()
	bad := httptest.NewRequest(http.MethodGet, "/submissions", nil)
	bad.Header.Set("Authorization", "Bearer nope")
	srv.Handler.ServeHTTP(w, bad)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestEndToEndRetriesToSuccess(t *testing.T) {
	srv, _ := newTestServer(t)

	// A destination that fails twice before succeeding.
	var mu sync.Mutex
	calls := 0
	flaky := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer flaky.Close()

	ctx := context.Background()
	require.NoError(t, srv.Store.PutDestination(ctx, &models.Destination{
		TenantID:      testTenant,
		DestinationID: "flaky",
		Type:          "rest",
		Enabled:       true,
		Config:        map[string]interface{}{"endpoint": flaky.URL},
		Retry: models.RetryPolicy{
			MaxAttempts:       5,
			BaseDelay:         time.Millisecond,
			MaxDelay:          5 * time.Millisecond,
			PerAttemptTimeout: 2 * time.Second,
			MaxEventAge:       time.Hour,
		},
	}))

	id := "0192b000-3333-7000-8000-000000000007"
	body := ingestBody(t, map[string]interface{}{
		"submission_id": id,
		"destinations":  []string{"flaky"},
	})
	w := httptest.NewRecorder()
	srv.Handler.ServeHTTP(w, signIngest(t, body, testTenant, testSecret, time.Now()))
	require.Equal(t, http.StatusAccepted, w.Code)

	eventually(t, 10*time.Second, func() bool {
		attempts, err := srv.Store.ListDeliveryAttempts(ctx, id, "flaky")
		return err == nil && len(attempts) == 3 && attempts[2].Outcome == models.OutcomeSuccess
	}, "retry-then-success trail never materialized")

	attempts, err := srv.Store.ListDeliveryAttempts(ctx, id, "flaky")
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeRetryableFailure, attempts[0].Outcome)
	assert.Equal(t, models.ErrConnectorHTTP5xx, attempts[0].ErrorKind)
	assert.Equal(t, models.OutcomeRetryableFailure, attempts[1].Outcome)
	assert.Equal(t, models.OutcomeSuccess, attempts[2].Outcome)
}

func TestHealthAndReady(t *testing.T) {
	srv, _ := newTestServer(t)

	w := httptest.NewRecorder()
	srv.Handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	srv.Handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

// The pipeline depends only on the Store port.
var _ store.Store = (*store.MemoryStore)(nil)
