package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bitloss-labs/bitloss/internal/retry"
)

// =============================================================================
// Error classification
// =============================================================================

// APIError is a non-2xx answer from Supabase.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("supabase error %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("supabase error %d: %s", e.StatusCode, http.StatusText(e.StatusCode))
}

func newAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: status}
	var payload struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Error   string `json:"error"`
		Msg     string `json:"msg"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		apiErr.Code = payload.Code
		switch {
		case payload.Message != "":
			apiErr.Message = payload.Message
		case payload.Error != "":
			apiErr.Message = payload.Error
		default:
			apiErr.Message = payload.Msg
		}
	}
	return apiErr
}

var retryableStatusCodes = map[int]bool{
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

// isRetryable treats transport failures and overload/5xx statuses as
// transient. Any other API error is the caller's fault and fails fast.
func isRetryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return retryableStatusCodes[apiErr.StatusCode]
	}
	return true
}

func countsAgainstBreaker(err error) bool {
	return errors.Is(err, retry.ErrExhausted) || isRetryable(err) && !errors.Is(err, context.Canceled)
}

// IsNotFound reports a missing row, object or single-row query with no match.
func IsNotFound(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.StatusCode == http.StatusNotFound ||
		apiErr.StatusCode == http.StatusNotAcceptable ||
		apiErr.Code == "PGRST116"
}

// IsConflict reports a unique constraint violation.
func IsConflict(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.StatusCode == http.StatusConflict || apiErr.Code == "23505"
}

// IsUnauthorized reports a rejected credential.
func IsUnauthorized(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden
}

// =============================================================================
// Circuit Breaker
// =============================================================================

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig configures circuit breaker behavior.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of exhausted calls before opening.
	FailureThreshold int
	// SuccessThreshold is the number of half-open successes needed to close.
	SuccessThreshold int
	// Timeout is how long the circuit stays open before probing again.
	Timeout time.Duration
}

// DefaultCircuitBreakerConfig returns the production defaults.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
	}
}

// ErrCircuitOpen is returned when the circuit is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreaker stops calling Supabase for a while after repeated failures.
type CircuitBreaker struct {
	mu sync.Mutex

	config    CircuitBreakerConfig
	state     CircuitState
	failures  int
	successes int
	openedAt  time.Time
}

// NewCircuitBreaker creates a closed circuit breaker.
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{config: config, state: CircuitClosed}
}

// Allow checks if a request should be allowed.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitOpen {
		if time.Since(cb.openedAt) <= cb.config.Timeout {
			return ErrCircuitOpen
		}
		cb.transitionTo(CircuitHalfOpen)
	}
	return nil
}

// RecordSuccess records a successful request.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		cb.failures = 0
	case CircuitHalfOpen:
		cb.successes++
		if cb.successes >= cb.config.SuccessThreshold {
			cb.transitionTo(CircuitClosed)
		}
	}
}

// RecordFailure records a failed request.
func (cb *CircuitBreaker) RecordFailure(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		cb.failures++
		if cb.failures >= cb.config.FailureThreshold {
			cb.transitionTo(CircuitOpen)
		}
	case CircuitHalfOpen:
		cb.transitionTo(CircuitOpen)
	}
}

func (cb *CircuitBreaker) transitionTo(state CircuitState) {
	cb.state = state
	cb.successes = 0
	switch state {
	case CircuitClosed:
		cb.failures = 0
	case CircuitOpen:
		cb.openedAt = time.Now()
	}
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// =============================================================================
// Client stats
// =============================================================================

// Stats returns request counters for health reporting.
func (c *Client) Stats() map[string]int64 {
	return map[string]int64{
		"total_requests":   atomic.LoadInt64(&c.totalRequests),
		"failed_requests":  atomic.LoadInt64(&c.failedRequests),
		"retried_requests": atomic.LoadInt64(&c.retriedRequests),
	}
}

// CircuitState returns the current circuit breaker state.
func (c *Client) CircuitState() CircuitState {
	return c.breaker.State()
}

// =============================================================================
// Request ID
// =============================================================================

type requestIDKey struct{}

// WithRequestID attaches a request ID that is forwarded as X-Request-ID.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

// GetRequestID retrieves the request ID from context.
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey{}).(string); ok {
		return id
	}
	return ""
}
