package connector

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/itchyny/gojq"
	"github.com/sony/gobreaker"

	"github.com/formbridge/formbridge/pkg/models"
)

// OutboundSignatureHeader carries the hex HMAC-SHA256 of the body when the
// destination uses hmac_outbound auth.
const OutboundSignatureHeader = "X-Form-Bridge-Signature"

// defaultRESTTimeout applies when the destination config sets no timeout_ms.
const defaultRESTTimeout = 10 * time.Second

// restConfig is the type-specific destination config for the REST connector.
type restConfig struct {
	Endpoint          string            `json:"endpoint"`
	Method            string            `json:"method"`
	TimeoutMS         int               `json:"timeout_ms"`
	StaticHeaders     map[string]string `json:"static_headers"`
	ClassifyOverrides map[string]string `json:"classify_overrides"`
}

// REST delivers field-mapped JSON to a configured HTTP endpoint. A circuit
// breaker per endpoint short-circuits calls to endpoints that keep failing;
// an open breaker reports as a retryable network failure so the orchestrator
// schedules the attempt for later without hammering the endpoint.
type REST struct {
	client   *http.Client
	breakers sync.Map // endpoint -> *gobreaker.CircuitBreaker
}

// queryCache holds compiled field-mapping expressions, shared by every
// connector that evaluates mappings.
var queryCache sync.Map // expression -> *gojq.Query

func compileQuery(expr string) (*gojq.Query, error) {
	if q, ok := queryCache.Load(expr); ok {
		return q.(*gojq.Query), nil
	}
	q, err := gojq.Parse(expr)
	if err != nil {
		return nil, err
	}
	queryCache.Store(expr, q)
	return q, nil
}

// NewREST creates the generic REST connector. The shared client carries no
// timeout of its own; per-attempt deadlines come from the context.
func NewREST() *REST {
	return &REST{client: &http.Client{}}
}

func (c *REST) Type() string { return "rest" }

func (c *REST) Deliver(ctx context.Context, dest *models.Destination, event *models.CanonicalEvent, credentials []byte) models.DeliveryOutcome {
	start := time.Now()

	cfg, err := parseRESTConfig(dest.Config)
	if err != nil {
		return terminal(0, models.ErrConnectorHTTP4xx, "invalid destination config: "+err.Error(), time.Since(start))
	}

	body, err := c.mapFields(event, dest.FieldMapping)
	if err != nil {
		return terminal(0, models.ErrConnectorHTTP4xx, "field mapping failed: "+err.Error(), time.Since(start))
	}

	timeout := defaultRESTTimeout
	if cfg.TimeoutMS > 0 {
		timeout = time.Duration(cfg.TimeoutMS) * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, cfg.Method, cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return terminal(0, models.ErrConnectorHTTP4xx, "build request: "+err.Error(), time.Since(start))
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SubmissionIDHeader, event.SubmissionID)
	for name, value := range cfg.StaticHeaders {
		req.Header.Set(name, value)
	}
	if err := applyAuth(req, dest.Auth, credentials, body); err != nil {
		return terminal(0, models.ErrConnectorHTTP4xx, err.Error(), time.Since(start))
	}

	breaker := c.breakerFor(cfg.Endpoint)
	result, err := breaker.Execute(func() (interface{}, error) {
		resp, err := c.client.Do(req)
		if err != nil {
			return nil, err
		}
		resp.Body.Close()
		if resp.StatusCode >= 500 {
			// Count server errors against the breaker.
			return resp.StatusCode, fmt.Errorf("upstream returned %d", resp.StatusCode)
		}
		return resp.StatusCode, nil
	})
	elapsed := time.Since(start)

	if err != nil {
		if code, ok := result.(int); ok {
			return classify(code, cfg.ClassifyOverrides, elapsed)
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return retryable(0, models.ErrConnectorNetwork, "circuit open for "+cfg.Endpoint, elapsed)
		}
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return retryable(0, models.ErrConnectorTimeout, "request deadline exceeded", elapsed)
		}
		return retryable(0, models.ErrConnectorNetwork, truncate(err.Error()), elapsed)
	}
	return classify(result.(int), cfg.ClassifyOverrides, elapsed)
}

// mapFields evaluates each mapping expression against the canonical event.
// Expressions that produce null are omitted. An empty mapping forwards the
// whole canonical event.
func (c *REST) mapFields(event *models.CanonicalEvent, mapping map[string]string) ([]byte, error) {
	if len(mapping) == 0 {
		return json.Marshal(event)
	}

	input, err := event.AsMap()
	if err != nil {
		return nil, err
	}

	out := make(map[string]interface{}, len(mapping))
	for field, expr := range mapping {
		query, err := compileQuery(expr)
		if err != nil {
			return nil, fmt.Errorf("expression %q: %w", expr, err)
		}
		iter := query.Run(input)
		v, ok := iter.Next()
		if !ok || v == nil {
			continue
		}
		if err, isErr := v.(error); isErr {
			return nil, fmt.Errorf("expression %q: %w", expr, err)
		}
		out[field] = v
	}
	return json.Marshal(out)
}

func (c *REST) breakerFor(endpoint string) *gobreaker.CircuitBreaker {
	if b, ok := c.breakers.Load(endpoint); ok {
		return b.(*gobreaker.CircuitBreaker)
	}
	b := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    endpoint,
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	actual, _ := c.breakers.LoadOrStore(endpoint, b)
	return actual.(*gobreaker.CircuitBreaker)
}

func parseRESTConfig(raw map[string]interface{}) (*restConfig, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	cfg := &restConfig{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("endpoint is required")
	}
	switch cfg.Method {
	case "":
		cfg.Method = http.MethodPost
	case http.MethodPost, http.MethodPut, http.MethodPatch:
	default:
		return nil, fmt.Errorf("unsupported method %q", cfg.Method)
	}
	return cfg, nil
}

func applyAuth(req *http.Request, auth models.AuthRef, credentials, body []byte) error {
	switch auth.Mode {
	case models.AuthNone, "":
		return nil
	case models.AuthAPIKeyHeader:
		header := auth.Header
		if header == "" {
			header = "X-API-Key"
		}
		req.Header.Set(header, string(credentials))
	case models.AuthBearer:
		req.Header.Set("Authorization", "Bearer "+string(credentials))
	case models.AuthHMACOutbound:
		mac := hmac.New(sha256.New, credentials)
		mac.Write(body)
		header := auth.Header
		if header == "" {
			header = OutboundSignatureHeader
		}
		req.Header.Set(header, hex.EncodeToString(mac.Sum(nil)))
	default:
		return fmt.Errorf("unsupported auth mode %q", auth.Mode)
	}
	return nil
}

// classify applies the default status classification table, with
// per-destination overrides checked first.
func classify(status int, overrides map[string]string, elapsed time.Duration) models.DeliveryOutcome {
	if class, ok := overrides[strconv.Itoa(status)]; ok {
		switch class {
		case "success":
			return success(status, elapsed)
		case "retryable":
			return retryable(status, models.ErrConnectorHTTP5xx, httpMessage(status), elapsed)
		case "terminal":
			return terminal(status, models.ErrConnectorHTTP4xx, httpMessage(status), elapsed)
		}
	}

	switch {
	case status >= 200 && status < 400:
		return success(status, elapsed)
	case status == http.StatusTooManyRequests:
		return retryable(status, models.ErrConnectorRateLimited, httpMessage(status), elapsed)
	case status == http.StatusRequestTimeout, status == http.StatusTooEarly:
		return retryable(status, models.ErrConnectorTimeout, httpMessage(status), elapsed)
	case status >= 500:
		return retryable(status, models.ErrConnectorHTTP5xx, httpMessage(status), elapsed)
	default:
		return terminal(status, models.ErrConnectorHTTP4xx, httpMessage(status), elapsed)
	}
}

func httpMessage(status int) string {
	return "upstream returned " + strconv.Itoa(status)
}

func success(status int, elapsed time.Duration) models.DeliveryOutcome {
	return models.DeliveryOutcome{Outcome: models.OutcomeSuccess, StatusCode: status, Duration: elapsed}
}

func retryable(status int, kind models.ErrorKind, msg string, elapsed time.Duration) models.DeliveryOutcome {
	return models.DeliveryOutcome{
		Outcome:    models.OutcomeRetryableFailure,
		StatusCode: status,
		ErrorKind:  kind,
		Message:    truncate(msg),
		Duration:   elapsed,
	}
}

func terminal(status int, kind models.ErrorKind, msg string, elapsed time.Duration) models.DeliveryOutcome {
	return models.DeliveryOutcome{
		Outcome:    models.OutcomeTerminalFailure,
		StatusCode: status,
		ErrorKind:  kind,
		Message:    truncate(msg),
		Duration:   elapsed,
	}
}

func truncate(msg string) string {
	if len(msg) > models.MaxErrorMessageLen {
		return msg[:models.MaxErrorMessageLen]
	}
	return msg
}
