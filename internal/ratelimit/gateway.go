package ratelimit

import "github.com/relaygate/relaygate/internal/config"

// GatewayLimiter holds the two independent per-caller token buckets
// named in spec §4.M, each in its own Limiter and keyed via
// CompositeKey(dimension, callerKey), so the general and query buckets
// never share state.
type GatewayLimiter struct {
	general *Limiter
	query   *Limiter
}

// NewGatewayLimiter builds the pair of limiters from RateLimitConfig.
func NewGatewayLimiter(cfg config.RateLimitConfig) *GatewayLimiter {
	return &GatewayLimiter{
		general: NewPerMinuteLimiter(cfg.GeneralPerMinute, cfg.GeneralBurst),
		query:   NewPerMinuteLimiter(cfg.QueryPerMinute, cfg.QueryBurst),
	}
}

// AllowGeneral checks the broad, every-request bucket.
func (g *GatewayLimiter) AllowGeneral(callerKey string) bool {
	return g.general.Allow(CompositeKey(General, callerKey))
}

// AllowQuery checks the stricter query-specific bucket, in addition to
// (not instead of) AllowGeneral — both must pass for a query request
// (spec §4.M: "every query request consumes from both buckets").
func (g *GatewayLimiter) AllowQuery(callerKey string) bool {
	return g.query.Allow(CompositeKey(Query, callerKey))
}
