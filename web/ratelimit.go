// ABOUTME: Global request-rate ceiling for the HTTP surface via token bucket.
// ABOUTME: Separate from the per-user fixed-window limit enforced at plan admission.
package web

import (
	"net/http"

	"golang.org/x/time/rate"
)

// RateLimiter enforces a global requests-per-minute ceiling on the HTTP
// surface. It protects the process as a whole; the per-user quota is enforced
// deeper, at plan admission.
type RateLimiter struct {
	global *rate.Limiter
}

// NewRateLimiter creates a limiter allowing globalRPM requests per minute,
// with burst capacity equal to one minute's quota.
func NewRateLimiter(globalRPM int) *RateLimiter {
	burst := globalRPM
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		global: rate.NewLimiter(rate.Limit(float64(globalRPM)/60.0), burst),
	}
}

// Allow reports whether one more request fits under the ceiling.
func (rl *RateLimiter) Allow() bool {
	return rl.global.Allow()
}

// Middleware rejects requests over the ceiling with 429.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.Allow() {
			writeError(w, http.StatusTooManyRequests, "server is at capacity, retry shortly")
			return
		}
		next.ServeHTTP(w, r)
	})
}
