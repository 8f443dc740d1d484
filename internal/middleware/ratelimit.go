package middleware

import (
	"encoding/hex"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/time/rate"

	svcerrors "github.com/bitloss-labs/bitloss/internal/errors"
	"github.com/bitloss-labs/bitloss/internal/httputil"
	"github.com/bitloss-labs/bitloss/internal/logging"
)

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter limits requests per client. Authenticated clients are keyed
// by user ID; anonymous ones by a salted hash of their address, so raw
// addresses are never held in memory or written to logs.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*limiterEntry
	rate     rate.Limit
	burst    int
	salt     []byte
	logger   *logging.Logger
	now      func() time.Time
}

// NewRateLimiter creates a limiter allowing requestsPerSecond with burst.
func NewRateLimiter(requestsPerSecond float64, burst int, salt string, logger *logging.Logger) *RateLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		limiters: make(map[string]*limiterEntry),
		rate:     rate.Limit(requestsPerSecond),
		burst:    burst,
		salt:     []byte(salt),
		logger:   logger,
		now:      time.Now,
	}
}

// ClientKey hashes a remote address with the salt. blake2b only accepts
// keys up to 64 bytes; longer salts are hashed down first.
func (rl *RateLimiter) ClientKey(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	key := rl.salt
	if len(key) > blake2b.Size {
		sum := blake2b.Sum512(key)
		key = sum[:]
	}
	h, err := blake2b.New(16, key)
	if err != nil {
		// Only reachable with an oversized key, handled above.
		panic(err)
	}
	h.Write([]byte(host))
	return "ip:" + hex.EncodeToString(h.Sum(nil))
}

func (rl *RateLimiter) getLimiter(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	entry, exists := rl.limiters[key]
	if !exists {
		entry = &limiterEntry{limiter: rate.NewLimiter(rl.rate, rl.burst)}
		rl.limiters[key] = entry
	}
	entry.lastSeen = rl.now()
	return entry.limiter
}

// Handler returns the rate limiting middleware handler. It must run after
// AuthMiddleware.Handler to see the user.
func (rl *RateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := GetUserID(r.Context())
		if key != "" {
			key = "user:" + key
		} else {
			key = rl.ClientKey(r.RemoteAddr)
		}

		if !rl.getLimiter(key).Allow() {
			rl.logger.LogSecurityEvent(r.Context(), "rate_limit_exceeded", map[string]interface{}{
				"key":    key,
				"path":   r.URL.Path,
				"method": r.Method,
			})
			w.Header().Set("Retry-After", strconv.Itoa(rl.retryAfterSeconds()))
			httputil.WriteServiceError(w, r, svcerrors.RateLimitExceeded(int(rl.rate), "1s"))
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (rl *RateLimiter) retryAfterSeconds() int {
	if rl.rate <= 0 {
		return 60
	}
	secs := int(1/float64(rl.rate)) + 1
	if secs < 1 {
		secs = 1
	}
	return secs
}

// Cleanup drops limiters idle for longer than maxIdle and returns how many
// were removed.
func (rl *RateLimiter) Cleanup(maxIdle time.Duration) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := rl.now().Add(-maxIdle)
	removed := 0
	for key, entry := range rl.limiters {
		if entry.lastSeen.Before(cutoff) {
			delete(rl.limiters, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked clients.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.limiters)
}

// keys lists tracked keys, for tests.
func (rl *RateLimiter) keys() []string {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	out := make([]string, 0, len(rl.limiters))
	for k := range rl.limiters {
		out = append(out, k)
	}
	return out
}
