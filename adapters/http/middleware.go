package http

import (
	"context"
	"net/http"
	"strconv"

	"github.com/artpar/utter/adapters/auth"
	"github.com/artpar/utter/app"
	"github.com/artpar/utter/domain/ratelimit"
	"github.com/artpar/utter/ports"
)

type contextKey int

const actorKey contextKey = iota

// ActorFrom returns the authenticated user id stored by the auth middleware.
func ActorFrom(ctx context.Context) string {
	actor, _ := ctx.Value(actorKey).(string)
	return actor
}

// WithActor stores an authenticated user id in ctx.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey, actor)
}

// NewAuthMiddleware requires a valid bearer token.
func NewAuthMiddleware(verifier ports.IdentityVerifier) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if verifier == nil {
				writeDetail(w, http.StatusUnauthorized, "Unauthorized")
				return
			}
			token := auth.BearerToken(r.Header.Get("Authorization"))
			actor, err := verifier.Verify(r.Context(), token)
			if err != nil || actor == "" {
				writeDetail(w, http.StatusUnauthorized, "Unauthorized")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actor)))
		})
	}
}

// NewRateLimitMiddleware counts /api requests per tier before any handler
// runs. The user is read from the bearer token without verifying it; the
// auth middleware still rejects forged tokens afterwards.
func NewRateLimitMiddleware(limiter *app.RateLimiter) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tier, ok := ratelimit.Classify(r.Method, r.URL.Path)
			if !ok {
				next.ServeHTTP(w, r)
				return
			}

			userID := ratelimit.UserIDFromAuthorization(r.Header.Get("Authorization"))
			ipHash := ratelimit.HashIP(ratelimit.ClientIP(r))

			d, err := limiter.Check(r.Context(), tier, userID, ipHash)
			if err != nil {
				detail := app.Detail(err)
				if detail == "" {
					detail = "Rate limiter unavailable. Please try again."
				}
				writeDetail(w, http.StatusServiceUnavailable, detail)
				return
			}

			if d.Limit > 0 {
				remaining := d.Limit - d.Count
				if remaining < 0 {
					remaining = 0
				}
				w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(d.Limit, 10))
				w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))
			}

			if !d.Allowed {
				secs := d.RetryAfterSeconds()
				w.Header().Set("Retry-After", strconv.Itoa(secs))
				writeJSON(w, http.StatusTooManyRequests, map[string]any{
					"detail":              "Rate limit exceeded. Please retry later.",
					"retry_after_seconds": secs,
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
