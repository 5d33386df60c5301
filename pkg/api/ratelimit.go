package api

import (
	"net"
	"net/http"
	"strconv"

	"github.com/ethpandaops/wpgate/pkg/auth"
	"github.com/ethpandaops/wpgate/pkg/ratelimit"
)

// RateLimitMiddleware admits admin requests through the shared limiter, keyed
// by authenticated user and client address.
func RateLimitMiddleware(limiter *ratelimit.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var userID string
			if user := auth.UserFromContext(r.Context()); user != nil {
				userID = "api:" + user.Username
			}

			decision := limiter.Check(ratelimit.Identifier(userID, clientIP(r)))
			if !decision.Allowed {
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Retry-After", strconv.Itoa(decision.RetryAfter))
				w.WriteHeader(http.StatusTooManyRequests)
				//nolint:errcheck // Response writing errors are not recoverable
				w.Write([]byte(`{"error":"Rate limit exceeded","retry_after":` + strconv.Itoa(decision.RetryAfter) + `}`))

				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// clientIP strips the port chi's RealIP middleware may leave on RemoteAddr.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}

	return host
}
