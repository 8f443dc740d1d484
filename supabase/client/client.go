// Package client is a small Supabase client covering PostgREST tables,
// Storage buckets and the Auth user endpoint. Every request goes through the
// client's retry policy and circuit breaker.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/bitloss-labs/bitloss/internal/retry"
)

// Client is a Supabase REST API client.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	policy     retry.Policy
	breaker    *CircuitBreaker

	totalRequests   int64
	failedRequests  int64
	retriedRequests int64
}

// Config holds client configuration.
type Config struct {
	URL        string
	APIKey     string
	HTTPClient *http.Client
	// Retry defaults to retry.DefaultPolicy. Its Retryable field is replaced
	// by the client's own status classification.
	Retry retry.Policy
	// CircuitBreaker defaults to DefaultCircuitBreakerConfig.
	CircuitBreaker *CircuitBreakerConfig
}

// New creates a new Supabase client.
func New(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("URL is required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("APIKey is required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	policy := cfg.Retry
	if policy.MaxAttempts == 0 {
		policy = retry.DefaultPolicy()
	}
	policy.Retryable = isRetryable

	cbCfg := DefaultCircuitBreakerConfig()
	if cfg.CircuitBreaker != nil {
		cbCfg = *cfg.CircuitBreaker
	}

	c := &Client{
		baseURL:    strings.TrimSuffix(cfg.URL, "/"),
		apiKey:     cfg.APIKey,
		httpClient: httpClient,
		breaker:    NewCircuitBreaker(cbCfg),
	}
	onRetry := policy.OnRetry
	policy.OnRetry = func(attempt int, err error) {
		atomic.AddInt64(&c.retriedRequests, 1)
		if onRetry != nil {
			onRetry(attempt, err)
		}
	}
	c.policy = policy
	return c, nil
}

// BaseURL returns the project URL without a trailing slash.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// =============================================================================
// Database Operations (PostgREST)
// =============================================================================

// From starts a query builder for a table.
func (c *Client) From(table string) *QueryBuilder {
	return &QueryBuilder{client: c, table: table}
}

// QueryBuilder builds PostgREST queries.
type QueryBuilder struct {
	client     *Client
	table      string
	columns    string
	filters    url.Values
	orders     []string
	limit      int
	offset     int
	single     bool
	upsert     bool
	onConflict string
}

func (q *QueryBuilder) filter(column, op string, value any) *QueryBuilder {
	if q.filters == nil {
		q.filters = url.Values{}
	}
	q.filters.Add(column, fmt.Sprintf("%s.%v", op, value))
	return q
}

// Select specifies columns to select.
func (q *QueryBuilder) Select(columns string) *QueryBuilder {
	q.columns = columns
	return q
}

func (q *QueryBuilder) Eq(column string, value any) *QueryBuilder {
	return q.filter(column, "eq", value)
}
func (q *QueryBuilder) Neq(column string, value any) *QueryBuilder {
	return q.filter(column, "neq", value)
}
func (q *QueryBuilder) Gt(column string, value any) *QueryBuilder {
	return q.filter(column, "gt", value)
}
func (q *QueryBuilder) Lt(column string, value any) *QueryBuilder {
	return q.filter(column, "lt", value)
}

// Is adds an IS filter (for null, true, false).
func (q *QueryBuilder) Is(column string, value any) *QueryBuilder {
	return q.filter(column, "is", value)
}

// In adds an IN filter.
func (q *QueryBuilder) In(column string, values []string) *QueryBuilder {
	return q.filter(column, "in", "("+strings.Join(values, ",")+")")
}

// Order adds an ORDER BY clause.
func (q *QueryBuilder) Order(column string, ascending bool) *QueryBuilder {
	dir := "asc"
	if !ascending {
		dir = "desc"
	}
	q.orders = append(q.orders, column+"."+dir)
	return q
}

// Limit sets the LIMIT.
func (q *QueryBuilder) Limit(n int) *QueryBuilder {
	q.limit = n
	return q
}

// Offset sets the OFFSET.
func (q *QueryBuilder) Offset(n int) *QueryBuilder {
	q.offset = n
	return q
}

// Single expects exactly one row. PostgREST answers 406 when none match,
// which IsNotFound recognises.
func (q *QueryBuilder) Single() *QueryBuilder {
	q.single = true
	return q
}

// Upsert turns the next ExecuteInsert into an insert-or-merge on onConflict.
func (q *QueryBuilder) Upsert(onConflict string) *QueryBuilder {
	q.upsert = true
	q.onConflict = onConflict
	return q
}

func (q *QueryBuilder) url(includeRead bool) string {
	params := url.Values{}
	for k, vs := range q.filters {
		for _, v := range vs {
			params.Add(k, v)
		}
	}
	if includeRead {
		if q.columns != "" {
			params.Set("select", q.columns)
		}
		if len(q.orders) > 0 {
			params.Set("order", strings.Join(q.orders, ","))
		}
		if q.limit > 0 {
			params.Set("limit", fmt.Sprintf("%d", q.limit))
		}
		if q.offset > 0 {
			params.Set("offset", fmt.Sprintf("%d", q.offset))
		}
	}
	if q.upsert && q.onConflict != "" {
		params.Set("on_conflict", q.onConflict)
	}

	reqURL := fmt.Sprintf("%s/rest/v1/%s", q.client.baseURL, q.table)
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}
	return reqURL
}

// Execute executes a SELECT query.
func (q *QueryBuilder) Execute(ctx context.Context) (*Response, error) {
	reqURL := q.url(true)
	return q.client.do(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return nil, err
		}
		if q.single {
			req.Header.Set("Accept", "application/vnd.pgrst.object+json")
		}
		return req, nil
	})
}

// ExecuteInsert executes an INSERT (or upsert) and returns the stored rows.
func (q *QueryBuilder) ExecuteInsert(ctx context.Context, data any) (*Response, error) {
	body, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal data: %w", err)
	}
	reqURL := q.url(false)
	return q.client.do(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		prefer := "return=representation"
		if q.upsert {
			prefer = "resolution=merge-duplicates," + prefer
		}
		req.Header.Set("Prefer", prefer)
		return req, nil
	})
}

// ExecuteUpdate executes a PATCH against every row matching the filters and
// returns the updated rows. An empty array means no row matched, which is how
// conditional updates report a lost race.
func (q *QueryBuilder) ExecuteUpdate(ctx context.Context, data any) (*Response, error) {
	body, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal data: %w", err)
	}
	reqURL := q.url(false)
	return q.client.do(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPatch, reqURL, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Prefer", "return=representation")
		return req, nil
	})
}

// ExecuteDelete deletes every row matching the filters.
func (q *QueryBuilder) ExecuteDelete(ctx context.Context) (*Response, error) {
	reqURL := q.url(false)
	return q.client.do(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodDelete, reqURL, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Prefer", "return=representation")
		return req, nil
	})
}

// RPC calls a stored procedure.
func (c *Client) RPC(ctx context.Context, fn string, params any) (*Response, error) {
	var body []byte
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		body = data
	}
	reqURL := fmt.Sprintf("%s/rest/v1/rpc/%s", c.baseURL, fn)
	return c.do(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	})
}

// =============================================================================
// Auth Operations
// =============================================================================

// Auth returns an auth client.
func (c *Client) Auth() *AuthClient {
	return &AuthClient{client: c}
}

// AuthClient handles authentication operations.
type AuthClient struct {
	client *Client
}

// User represents a Supabase user. Raw keeps the full payload so callers can
// pull provider specific metadata out of it.
type User struct {
	ID           string          `json:"id"`
	Email        string          `json:"email"`
	Role         string          `json:"role"`
	AppMetadata  map[string]any  `json:"app_metadata"`
	UserMetadata map[string]any  `json:"user_metadata"`
	Raw          json.RawMessage `json:"-"`
}

// GetUser resolves an access token to its user. A rejected token comes back
// as an *APIError with a 401 or 403 status and is never retried.
func (a *AuthClient) GetUser(ctx context.Context, accessToken string) (*User, error) {
	reqURL := fmt.Sprintf("%s/auth/v1/user", a.client.baseURL)
	resp, err := a.client.do(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+accessToken)
		return req, nil
	})
	if err != nil {
		return nil, err
	}

	var user User
	if err := resp.JSON(&user); err != nil {
		return nil, fmt.Errorf("unmarshal user: %w", err)
	}
	user.Raw = append(json.RawMessage(nil), resp.Body...)
	return &user, nil
}

// =============================================================================
// Storage Operations
// =============================================================================

// Storage returns a storage client.
func (c *Client) Storage() *StorageClient {
	return &StorageClient{client: c}
}

// StorageClient handles storage operations.
type StorageClient struct {
	client *Client
}

// From returns a bucket client.
func (s *StorageClient) From(bucket string) *BucketClient {
	return &BucketClient{client: s.client, bucket: bucket}
}

// BucketClient handles bucket operations.
type BucketClient struct {
	client *Client
	bucket string
}

// Upload writes an object, replacing any existing object at path.
func (b *BucketClient) Upload(ctx context.Context, path string, data []byte, contentType string) error {
	reqURL := fmt.Sprintf("%s/storage/v1/object/%s/%s", b.client.baseURL, b.bucket, path)
	_, err := b.client.do(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", contentType)
		req.Header.Set("x-upsert", "true")
		return req, nil
	})
	return err
}

// Download reads an object.
func (b *BucketClient) Download(ctx context.Context, path string) ([]byte, error) {
	reqURL := fmt.Sprintf("%s/storage/v1/object/%s/%s", b.client.baseURL, b.bucket, path)
	resp, err := b.client.do(ctx, func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	})
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// Remove deletes objects. Paths that do not exist are ignored by Storage.
func (b *BucketClient) Remove(ctx context.Context, paths []string) error {
	body, err := json.Marshal(map[string][]string{"prefixes": paths})
	if err != nil {
		return fmt.Errorf("marshal paths: %w", err)
	}
	reqURL := fmt.Sprintf("%s/storage/v1/object/%s", b.client.baseURL, b.bucket)
	_, err = b.client.do(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodDelete, reqURL, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	})
	return err
}

// GetPublicURL returns the public URL for an object.
func (b *BucketClient) GetPublicURL(path string) string {
	return fmt.Sprintf("%s/storage/v1/object/public/%s/%s", b.client.baseURL, b.bucket, path)
}

// =============================================================================
// Response Types
// =============================================================================

// Response is a successful API response.
type Response struct {
	StatusCode int
	Body       []byte
	Headers    http.Header
}

// JSON unmarshals the response body into v.
func (r *Response) JSON(v any) error {
	return json.Unmarshal(r.Body, v)
}

// =============================================================================
// Internal Methods
// =============================================================================

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("apikey", c.apiKey)
	if req.Header.Get("Authorization") == "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json")
	}
	if id := GetRequestID(req.Context()); id != "" {
		req.Header.Set("X-Request-ID", id)
	}
}

// do sends the request built by build, retrying transient failures. build is
// called once per attempt so request bodies are always fresh.
func (c *Client) do(ctx context.Context, build func(ctx context.Context) (*http.Request, error)) (*Response, error) {
	atomic.AddInt64(&c.totalRequests, 1)
	if err := c.breaker.Allow(); err != nil {
		atomic.AddInt64(&c.failedRequests, 1)
		return nil, err
	}

	resp, err := retry.Value(ctx, c.policy, func(ctx context.Context) (*Response, error) {
		req, err := build(ctx)
		if err != nil {
			return nil, retry.Permanent(fmt.Errorf("create request: %w", err))
		}
		c.setHeaders(req)
		return c.roundTrip(req)
	})
	if err != nil {
		if countsAgainstBreaker(err) {
			c.breaker.RecordFailure(err)
		}
		atomic.AddInt64(&c.failedRequests, 1)
		return nil, err
	}
	c.breaker.RecordSuccess()
	return resp, nil
}

func (c *Client) roundTrip(req *http.Request) (*Response, error) {
	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if httpResp.StatusCode >= 400 {
		return nil, newAPIError(httpResp.StatusCode, body)
	}
	return &Response{
		StatusCode: httpResp.StatusCode,
		Body:       body,
		Headers:    httpResp.Header,
	}, nil
}
