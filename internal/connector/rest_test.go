package connector

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/formbridge/formbridge/pkg/models"
)

func sampleEvent() *models.CanonicalEvent {
	return &models.CanonicalEvent{
		TenantID:      "t_a",
		FormID:        "contact",
		SchemaVersion: "1.0",
		SubmissionID:  "0190a000-0000-7000-8000-000000000001",
		SubmittedAt:   time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC),
		IngestedAt:    time.Date(2026, 8, 24, 10, 0, 1, 0, time.UTC),
		Payload:       json.RawMessage(`{"email":"ada@example.com","name":"Ada","age":36}`),
	}
}

func restDest(endpoint string) *models.Destination {
	return &models.Destination{
		TenantID:      "t_a",
		DestinationID: "d1",
		Type:          "rest",
		Enabled:       true,
		Config:        map[string]interface{}{"endpoint": endpoint},
	}
}

func TestRESTStatusClassification(t *testing.T) {
	cases := []struct {
		status  int
		outcome models.Outcome
		kind    models.ErrorKind
	}{
		{200, models.OutcomeSuccess, ""},
		{201, models.OutcomeSuccess, ""},
		{204, models.OutcomeSuccess, ""},
		{400, models.OutcomeTerminalFailure, models.ErrConnectorHTTP4xx},
		{404, models.OutcomeTerminalFailure, models.ErrConnectorHTTP4xx},
		{408, models.OutcomeRetryableFailure, models.ErrConnectorTimeout},
		{425, models.OutcomeRetryableFailure, models.ErrConnectorTimeout},
		{429, models.OutcomeRetryableFailure, models.ErrConnectorRateLimited},
		{500, models.OutcomeRetryableFailure, models.ErrConnectorHTTP5xx},
		{503, models.OutcomeRetryableFailure, models.ErrConnectorHTTP5xx},
	}

	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
		}))
		out := NewREST().Deliver(context.Background(), restDest(srv.URL), sampleEvent(), nil)
		srv.Close()

		assert.Equal(t, tc.outcome, out.Outcome, "status %d", tc.status)
		assert.Equal(t, tc.status, out.StatusCode, "status %d", tc.status)
		assert.Equal(t, tc.kind, out.ErrorKind, "status %d", tc.status)
	}
}

func TestRESTClassifyOverrides(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	defer srv.Close()

	dest := restDest(srv.URL)
	dest.Config["classify_overrides"] = map[string]interface{}{"409": "retryable"}

	out := NewREST().Deliver(context.Background(), dest, sampleEvent(), nil)
	assert.Equal(t, models.OutcomeRetryableFailure, out.Outcome)
	assert.Equal(t, http.StatusConflict, out.StatusCode)
}

func TestRESTFieldMapping(t *testing.T) {
	var body map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(raw, &body))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	dest := restDest(srv.URL)
	dest.FieldMapping = map[string]string{
		"contact_email": ".payload.email",
		"full_name":     ".payload.name",
		"form":          ".form_id",
		"missing":       ".payload.phone", // null, omitted
	}

	out := NewREST().Deliver(context.Background(), dest, sampleEvent(), nil)
	require.Equal(t, models.OutcomeSuccess, out.Outcome)

	assert.Equal(t, "ada@example.com", body["contact_email"])
	assert.Equal(t, "Ada", body["full_name"])
	assert.Equal(t, "contact", body["form"])
	_, present := body["missing"]
	assert.False(t, present, "null expression result must be omitted")
}

func TestRESTEmptyMappingForwardsWholeEvent(t *testing.T) {
	var body map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		json.Unmarshal(raw, &body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	out := NewREST().Deliver(context.Background(), restDest(srv.URL), sampleEvent(), nil)
	require.Equal(t, models.OutcomeSuccess, out.Outcome)
	assert.Equal(t, "t_a", body["tenant_id"])
	assert.NotNil(t, body["payload"])
}

func TestRESTInvalidMappingIsTerminal(t *testing.T) {
	dest := restDest("http://unreachable.invalid")
	dest.FieldMapping = map[string]string{"x": ".payload | ("}

	out := NewREST().Deliver(context.Background(), dest, sampleEvent(), nil)
	assert.Equal(t, models.OutcomeTerminalFailure, out.Outcome)
	assert.Equal(t, models.ErrConnectorHTTP4xx, out.ErrorKind)
}

func TestRESTAuthModes(t *testing.T) {
	var headers http.Header
	var body []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers = r.Header.Clone()
		body, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewREST()
	creds := []byte("s3cret")

	t.Run("api_key_header", func(t *testing.T) {
		dest := restDest(srv.URL)
		dest.Auth = models.AuthRef{Mode: models.AuthAPIKeyHeader, SecretRef: "crm-key"}
		out := c.Deliver(context.Background(), dest, sampleEvent(), creds)
		require.Equal(t, models.OutcomeSuccess, out.Outcome)
		assert.Equal(t, "s3cret", headers.Get("X-API-Key"))
	})

	t.Run("bearer", func(t *testing.T) {
		dest := restDest(srv.URL)
		dest.Auth = models.AuthRef{Mode: models.AuthBearer, SecretRef: "crm-key"}
		out := c.Deliver(context.Background(), dest, sampleEvent(), creds)
		require.Equal(t, models.OutcomeSuccess, out.Outcome)
		assert.Equal(t, "Bearer s3cret", headers.Get("Authorization"))
	})

	t.Run("hmac_outbound", func(t *testing.T) {
		dest := restDest(srv.URL)
		dest.Auth = models.AuthRef{Mode: models.AuthHMACOutbound, SecretRef: "crm-key"}
		out := c.Deliver(context.Background(), dest, sampleEvent(), creds)
		require.Equal(t, models.OutcomeSuccess, out.Outcome)

		mac := hmac.New(sha256.New, creds)
		mac.Write(body)
		assert.Equal(t, hex.EncodeToString(mac.Sum(nil)), headers.Get(OutboundSignatureHeader))
	})

	t.Run("static_headers_and_submission_id", func(t *testing.T) {
		dest := restDest(srv.URL)
		dest.Config["static_headers"] = map[string]interface{}{"X-Team": "growth"}
		out := c.Deliver(context.Background(), dest, sampleEvent(), nil)
		require.Equal(t, models.OutcomeSuccess, out.Outcome)
		assert.Equal(t, "growth", headers.Get("X-Team"))
		assert.Equal(t, sampleEvent().SubmissionID, headers.Get(SubmissionIDHeader))
		assert.Equal(t, "application/json", headers.Get("Content-Type"))
	})
}

func TestRESTTimeoutIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Drain the body so the server starts its background read and can
		// cancel r.Context() when the timed-out client disconnects;
		// otherwise this handler never returns and srv.Close deadlocks.
		io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	}))
	defer srv.Close()

	dest := restDest(srv.URL)
	dest.Config["timeout_ms"] = float64(50)

	out := NewREST().Deliver(context.Background(), dest, sampleEvent(), nil)
	assert.Equal(t, models.OutcomeRetryableFailure, out.Outcome)
	assert.Equal(t, models.ErrConnectorTimeout, out.ErrorKind)
}

func TestRESTNetworkErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // refuse connections

	out := NewREST().Deliver(context.Background(), restDest(srv.URL), sampleEvent(), nil)
	assert.Equal(t, models.OutcomeRetryableFailure, out.Outcome)
	assert.Equal(t, models.ErrConnectorNetwork, out.ErrorKind)
}

func TestRESTBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewREST()
	dest := restDest(srv.URL)
	for i := 0; i < 5; i++ {
		out := c.Deliver(context.Background(), dest, sampleEvent(), nil)
		require.Equal(t, models.OutcomeRetryableFailure, out.Outcome)
		require.Equal(t, models.ErrConnectorHTTP5xx, out.ErrorKind)
	}

	// Sixth call short-circuits without reaching the endpoint.
	out := c.Deliver(context.Background(), dest, sampleEvent(), nil)
	assert.Equal(t, models.OutcomeRetryableFailure, out.Outcome)
	assert.Equal(t, models.ErrConnectorNetwork, out.ErrorKind)
	assert.Equal(t, 5, hits)
}

func TestRESTConfigValidation(t *testing.T) {
	t.Run("missing endpoint", func(t *testing.T) {
		dest := &models.Destination{Config: map[string]interface{}{}}
		out := NewREST().Deliver(context.Background(), dest, sampleEvent(), nil)
		assert.Equal(t, models.OutcomeTerminalFailure, out.Outcome)
	})
	t.Run("bad method", func(t *testing.T) {
		dest := restDest("http://example.com")
		dest.Config["method"] = "DELETE"
		out := NewREST().Deliver(context.Background(), dest, sampleEvent(), nil)
		assert.Equal(t, models.OutcomeTerminalFailure, out.Outcome)
	})
}
