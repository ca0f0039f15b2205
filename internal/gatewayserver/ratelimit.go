package gatewayserver

import (
	"net/http"
	"time"

	"github.com/yasserelgammal/rate-limiter/limiter"
	"github.com/yasserelgammal/rate-limiter/store"

	"github.com/subconsciousnetwork/noosphere-sub001/internal/errs"
)

// DefaultRateLimit and DefaultBurst bound how many requests per second
// a single caller DID may issue against this gateway, the same
// token-bucket shape kernel/core/mesh/routing/gossip.go applies per
// peer ID, keyed here by sphere DID instead.
const (
	DefaultRateLimit = 20
	DefaultBurst     = 40
)

// rateLimiter throttles gateway requests per caller DID.
type rateLimiter struct {
	bucket *limiter.TokenBucket
}

// newRateLimiter builds a rate limiter with an in-memory token bucket
// store, reset every minute.
func newRateLimiter(rate, burst int64) (*rateLimiter, error) {
	bucket, err := limiter.NewTokenBucket(limiter.Config{
		Rate:     rate,
		Duration: time.Second,
		Burst:    burst,
	}, store.NewMemoryStore(time.Minute))
	if err != nil {
		return nil, errs.Wrap(errs.Internal, err)
	}
	return &rateLimiter{bucket: bucket}, nil
}

// Allow reports whether key (a caller's sphere DID) still has budget.
func (r *rateLimiter) Allow(key string) bool {
	return r.bucket.Allow(key)
}

// middleware wraps next, rejecting a caller whose "sphere" query
// parameter has exhausted its rate-limit budget with 429. Requests that
// don't declare a sphere are rate-limited by their remote address
// instead.
func (r *rateLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		key := req.URL.Query().Get("sphere")
		if key == "" {
			key = req.RemoteAddr
		}
		if !r.Allow(key) {
			http.Error(w, "gatewayserver: rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, req)
	})
}
