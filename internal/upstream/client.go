// Package upstream implements the resilient HTTP client for the third-party
// order-management API: per-call timeouts, bounded retry with jittered
// exponential backoff on 429/5xx, rate-limiter gating, and normalization of
// upstream failures into the closed fault taxonomy.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"math/rand/v2"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/xenking/orderdesk-bridge/internal/fault"
	"github.com/xenking/orderdesk-bridge/internal/ratelimit"
)

const (
	// DefaultBaseURL is the production endpoint of the upstream API.
	DefaultBaseURL = "https://app.orderdesk.me/api/v2"

	headerStoreID = "ORDERDESK-STORE-ID"
	headerAPIKey  = "ORDERDESK-API-KEY"

	userAgent = "orderdesk-bridge/1.0"
)

// Credentials identifies one upstream store. The API key is plaintext here;
// it lives only for the duration of the call chain that decrypted it.
type Credentials struct {
	StoreID string
	APIKey  string
}

// Limiter gates outbound calls. Implemented by ratelimit.Limiter.
type Limiter interface {
	Require(tenantID string, cost int) error
}

// BackoffFunc maps a zero-based attempt number to the delay before the next
// retry. Injected so tests run without real sleeps.
type BackoffFunc func(attempt int) time.Duration

// DefaultBackoff returns exponential backoff with ±25% jitter: base 250ms,
// doubled per attempt, capped at 10s.
func DefaultBackoff(attempt int) time.Duration {
	const (
		base     = 250 * time.Millisecond
		maxDelay = 10 * time.Second
	)
	d := base << attempt
	if d > maxDelay {
		d = maxDelay
	}
	jitter := time.Duration((rand.Float64()*2 - 1) * 0.25 * float64(d))
	return d + jitter
}

// Config holds the shared settings for all upstream clients.
type Config struct {
	// BaseURL of the upstream API; DefaultBaseURL when empty.
	BaseURL string
	// ConnectTimeout bounds TCP connection establishment.
	ConnectTimeout time.Duration
	// ReadTimeout bounds the whole request including response body.
	ReadTimeout time.Duration
	// MaxRetries is the number of retries after the initial attempt for
	// 429/5xx/transport failures.
	MaxRetries int
	// Backoff strategy between retries; DefaultBackoff when nil.
	Backoff BackoffFunc
	// Transport overrides the HTTP transport (tests). When nil, a dialer
	// with ConnectTimeout wrapped in otelhttp instrumentation is used.
	Transport http.RoundTripper
}

func (c Config) withDefaults() Config {
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 15 * time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 60 * time.Second
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.Backoff == nil {
		c.Backoff = DefaultBackoff
	}
	return c
}

// Factory creates per-store clients sharing one HTTP connection pool.
type Factory struct {
	cfg      Config
	http     *http.Client
	limiter  Limiter
	requests metric.Int64Counter
}

// NewFactory builds a Factory. The meter may be nil (metrics disabled).
func NewFactory(cfg Config, limiter Limiter, meter metric.Meter) (*Factory, error) {
	cfg = cfg.withDefaults()

	transport := cfg.Transport
	if transport == nil {
		dialer := &net.Dialer{Timeout: cfg.ConnectTimeout}
		transport = otelhttp.NewTransport(&http.Transport{
			DialContext:         dialer.DialContext,
			MaxIdleConnsPerHost: 8,
		})
	}

	f := &Factory{
		cfg: cfg,
		http: &http.Client{
			Transport: transport,
			Timeout:   cfg.ReadTimeout,
		},
		limiter: limiter,
	}

	if meter != nil {
		requests, err := meter.Int64Counter("upstream.client.requests",
			metric.WithDescription("Outbound upstream API requests by method and status"))
		if err != nil {
			return nil, errors.Wrap(err, "create requests counter")
		}
		f.requests = requests
	}
	return f, nil
}

// Client returns a client bound to one store's credentials and one tenant's
// rate-limit bucket. Cheap to create per call.
func (f *Factory) Client(creds Credentials, tenantID, correlationID string) *Client {
	return &Client{
		f:             f,
		creds:         creds,
		tenantID:      tenantID,
		correlationID: correlationID,
	}
}

// Client issues calls to the upstream API on behalf of one tenant + store.
type Client struct {
	f             *Factory
	creds         Credentials
	tenantID      string
	correlationID string
}

// CorrelationID returns the id stamped on every error from this client.
func (c *Client) CorrelationID() string { return c.correlationID }

// GetResource fetches one resource by id. Singleton families ignore the id
// and fetch the family path itself.
func (c *Client) GetResource(ctx context.Context, fam Family, id string) (map[string]any, error) {
	path := fam.Path
	if !fam.Singleton {
		path += "/" + url.PathEscape(id)
	}
	body, err := c.do(ctx, http.MethodGet, path, nil, nil, ratelimit.ReadCost)
	if err != nil {
		return nil, c.renameNotFound(err, fam, id)
	}
	return unwrapItem(body, fam), nil
}

// ListResources fetches a page of resources with the given query parameters.
// The upstream may answer with a bare array or an enveloped object; both are
// normalized to a slice.
func (c *Client) ListResources(ctx context.Context, fam Family, query url.Values) ([]map[string]any, error) {
	body, err := c.do(ctx, http.MethodGet, fam.Path, query, nil, ratelimit.ReadCost)
	if err != nil {
		return nil, err
	}
	return unwrapList(body, fam), nil
}

// CreateResource creates a resource with POST.
func (c *Client) CreateResource(ctx context.Context, fam Family, body map[string]any) (map[string]any, error) {
	resp, err := c.do(ctx, http.MethodPost, fam.Path, nil, body, ratelimit.WriteCost)
	if err != nil {
		return nil, err
	}
	return unwrapItem(resp, fam), nil
}

// PutResource uploads the complete resource representation. The upstream
// only supports whole-object replacement, so body must be the full resource.
func (c *Client) PutResource(ctx context.Context, fam Family, id string, body map[string]any) (map[string]any, error) {
	resp, err := c.do(ctx, http.MethodPut, fam.Path+"/"+url.PathEscape(id), nil, body, ratelimit.WriteCost)
	if err != nil {
		return nil, c.renameNotFound(err, fam, id)
	}
	return unwrapItem(resp, fam), nil
}

// DeleteResource removes a resource by id.
func (c *Client) DeleteResource(ctx context.Context, fam Family, id string) error {
	_, err := c.do(ctx, http.MethodDelete, fam.Path+"/"+url.PathEscape(id), nil, nil, ratelimit.WriteCost)
	return c.renameNotFound(err, fam, id)
}

// TestConnection verifies the store credentials against the upstream test
// endpoint.
func (c *Client) TestConnection(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodGet, "test", nil, nil, ratelimit.ReadCost)
	return err
}

// do performs one logical API call with bounded retries. Only 429, 5xx, and
// transport failures are retried; everything else maps straight into the
// fault taxonomy.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body map[string]any, cost int) (any, error) {
	lg := zctx.From(ctx).With(
		zap.String("method", method),
		zap.String("path", path),
		zap.String("store_id", c.creds.StoreID),
		zap.String("correlation_id", c.correlationID),
	)

	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, errors.Wrap(err, "encode request body")
		}
	}

	maxAttempts := c.f.cfg.MaxRetries + 1
	var lastStatus int
	for attempt := 0; attempt < maxAttempts; attempt++ {
		// The local bucket gates every outbound attempt, retries included.
		if err := c.f.limiter.Require(c.tenantID, cost); err != nil {
			return nil, err
		}

		start := time.Now()
		resp, err := c.roundTrip(ctx, method, path, query, payload)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lg.Warn("upstream transport error",
				zap.Int("attempt", attempt+1),
				zap.Error(err))
			lastStatus = 0
			if attempt+1 < maxAttempts {
				if werr := c.wait(ctx, c.f.cfg.Backoff(attempt)); werr != nil {
					return nil, werr
				}
				continue
			}
			return nil, &fault.UpstreamUnavailable{
				Attempts:      maxAttempts,
				CorrelationID: c.correlationID,
			}
		}

		status := resp.StatusCode
		data, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		c.count(ctx, method, status)
		lg.Debug("upstream response",
			zap.Int("status", status),
			zap.Int("attempt", attempt+1),
			zap.Duration("duration", time.Since(start)))
		if readErr != nil {
			return nil, errors.Wrap(readErr, "read response body")
		}

		switch {
		case status < 300:
			return decodeBody(data), nil

		case status == http.StatusTooManyRequests || status >= 500:
			lastStatus = status
			if attempt+1 < maxAttempts {
				// The Retry-After hint is surfaced to callers on exhaustion;
				// local waits stay under the injected backoff strategy.
				delay := c.f.cfg.Backoff(attempt)
				lg.Warn("upstream retryable failure",
					zap.Int("status", status),
					zap.Int("attempt", attempt+1),
					zap.Duration("backoff", delay))
				if werr := c.wait(ctx, delay); werr != nil {
					return nil, werr
				}
				continue
			}
			if status == http.StatusTooManyRequests {
				return nil, &fault.RateLimit{
					TenantID:   c.tenantID,
					RetryAfter: retryAfterHint(resp.Header),
				}
			}
			return nil, &fault.UpstreamUnavailable{
				Status:        status,
				Attempts:      maxAttempts,
				CorrelationID: c.correlationID,
			}

		default:
			return nil, c.statusFault(status, data)
		}
	}

	// Unreachable: the loop always returns. Kept for the compiler.
	return nil, &fault.UpstreamUnavailable{
		Status:        lastStatus,
		Attempts:      maxAttempts,
		CorrelationID: c.correlationID,
	}
}

func (c *Client) roundTrip(ctx context.Context, method, path string, query url.Values, payload []byte) (*http.Response, error) {
	u := strings.TrimSuffix(c.f.cfg.BaseURL, "/") + "/" + strings.TrimPrefix(path, "/")
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, errors.Wrap(err, "build request")
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")
	req.Header.Set(headerStoreID, c.creds.StoreID)
	req.Header.Set(headerAPIKey, c.creds.APIKey)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.f.http.Do(req)
}

// statusFault maps a non-retryable upstream status into the taxonomy.
func (c *Client) statusFault(status int, body []byte) error {
	msg := upstreamMessage(body, status)
	switch status {
	case http.StatusNotFound:
		return &fault.NotFound{Resource: "resource", ID: msg}
	case http.StatusUnauthorized, http.StatusForbidden:
		return &fault.Auth{Reason: "upstream rejected store credentials"}
	case http.StatusConflict:
		// Single-attempt signal; the mutation engine owns the retry loop.
		return &fault.Conflict{Resource: "resource", Attempts: 1}
	default:
		return &fault.Upstream{
			Status:        status,
			Message:       msg,
			CorrelationID: c.correlationID,
		}
	}
}

// renameNotFound rewrites the generic 404 fault with the resource family and
// id the caller actually asked for.
func (c *Client) renameNotFound(err error, fam Family, id string) error {
	if err == nil {
		return nil
	}
	var nf *fault.NotFound
	if errors.As(err, &nf) {
		return &fault.NotFound{Resource: fam.Name, ID: id}
	}
	var cf *fault.Conflict
	if errors.As(err, &cf) {
		return &fault.Conflict{Resource: fam.Name, ID: id, Attempts: cf.Attempts}
	}
	return err
}

func (c *Client) wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (c *Client) count(ctx context.Context, method string, status int) {
	if c.f.requests == nil {
		return
	}
	c.f.requests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("method", method),
		attribute.Int("status", status),
	))
}

// retryAfterHint parses the upstream retry hint, supporting both the
// standard header and the vendor variant.
func retryAfterHint(h http.Header) time.Duration {
	for _, name := range []string{"Retry-After", "X-Retry-After"} {
		if v := h.Get(name); v != "" {
			if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
				return time.Duration(secs) * time.Second
			}
		}
	}
	return 0
}

// decodeBody parses a JSON response, tolerating empty and non-JSON bodies
// (some upstream endpoints answer bare text on success).
func decodeBody(data []byte) any {
	if len(bytes.TrimSpace(data)) == 0 {
		return map[string]any{}
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return map[string]any{"status": "success", "data": string(data)}
	}
	return v
}

// unwrapItem peels the single-resource envelope when present.
func unwrapItem(body any, fam Family) map[string]any {
	m, ok := body.(map[string]any)
	if !ok {
		return map[string]any{}
	}
	if inner, ok := m[fam.ItemKey].(map[string]any); ok {
		return inner
	}
	return m
}

// unwrapList normalizes a list response: bare arrays and enveloped objects
// both become a slice of resource objects.
func unwrapList(body any, fam Family) []map[string]any {
	var raw []any
	switch v := body.(type) {
	case []any:
		raw = v
	case map[string]any:
		if inner, ok := v[fam.ListKey].([]any); ok {
			raw = inner
		}
	}
	items := make([]map[string]any, 0, len(raw))
	for _, it := range raw {
		if m, ok := it.(map[string]any); ok {
			items = append(items, m)
		}
	}
	return items
}

// upstreamMessage extracts a human-readable error message from an upstream
// error body, falling back to the status text.
func upstreamMessage(body []byte, status int) string {
	var m map[string]any
	if err := json.Unmarshal(body, &m); err == nil {
		for _, key := range []string{"message", "error"} {
			if s, ok := m[key].(string); ok && s != "" {
				return s
			}
		}
	}
	return http.StatusText(status)
}
