package app

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/artpar/utter/domain/ratelimit"
	"github.com/artpar/utter/ports"
)

// RateLimiter counts requests per actor and tier in fixed windows.
type RateLimiter struct {
	counter   ports.RateCounter
	metrics   ports.Metrics
	logger    zerolog.Logger
	keyPrefix string

	mu    sync.RWMutex
	rules ratelimit.Rules
}

// NewRateLimiter creates a limiter backed by counter.
func NewRateLimiter(counter ports.RateCounter, rules ratelimit.Rules, keyPrefix string, metrics ports.Metrics, logger zerolog.Logger) *RateLimiter {
	if rules == nil {
		rules = ratelimit.DefaultRules()
	}
	return &RateLimiter{
		counter:   counter,
		metrics:   orNop(metrics),
		logger:    logger,
		keyPrefix: keyPrefix,
		rules:     rules,
	}
}

// SetRules swaps the limits; used by config hot reload.
func (l *RateLimiter) SetRules(rules ratelimit.Rules) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rules = rules
}

// Rule returns the limits of a tier.
func (l *RateLimiter) Rule(tier ratelimit.Tier) (ratelimit.Rule, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	r, ok := l.rules[tier]
	return r, ok
}

// Check counts one request of a tier. userID may be empty.
// A counter failure denies tier1 with ErrRateLimiterDown and allows the rest.
func (l *RateLimiter) Check(ctx context.Context, tier ratelimit.Tier, userID, ipHash string) (ratelimit.Decision, error) {
	rule, ok := l.Rule(tier)
	if !ok {
		return ratelimit.Decision{Allowed: true}, nil
	}
	actor := ratelimit.ResolveActor(rule, userID, ipHash)
	if actor.Limit <= 0 {
		return ratelimit.Decision{Allowed: true}, nil
	}
	return l.CheckAndIncrement(ctx, tier, actor, rule.Window)
}

// CheckAndIncrement increments the actor's counter and decides.
func (l *RateLimiter) CheckAndIncrement(ctx context.Context, tier ratelimit.Tier, actor ratelimit.Actor, window time.Duration) (ratelimit.Decision, error) {
	count, ttl, err := l.counter.Increment(ctx, ratelimit.CounterKey(l.keyPrefix, tier, actor), window)
	if err != nil {
		failClosed := tier == ratelimit.Tier1
		l.metrics.RateLimiterDegraded(string(tier), failClosed)
		if failClosed {
			l.logger.Error().Err(err).Str("tier", string(tier)).Msg("rate limiter unavailable, rejecting request")
			return ratelimit.Decision{}, &Error{Kind: ErrRateLimiterDown, Detail: "Rate limiter unavailable. Please try again.", Err: err}
		}
		l.logger.Warn().Err(err).Str("tier", string(tier)).Msg("rate limiter degraded, allowing request")
		return ratelimit.Decision{Allowed: true}, nil
	}

	d := ratelimit.Decide(count, actor.Limit, ttl, window)
	l.metrics.RateLimitDecision(string(tier), d.Allowed)
	if !d.Allowed {
		l.logger.Info().
			Str("tier", string(tier)).
			Str("actor_type", string(actor.Type)).
			Int64("count", count).
			Int64("limit", actor.Limit).
			Msg("rate limit exceeded")
	}
	return d, nil
}
