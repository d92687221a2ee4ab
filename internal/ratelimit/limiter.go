package ratelimit

import "context"

// RateLimiter controls operation throughput per caller identity. Keys name
// who or what is being throttled (an operator id, a gateway machine id).
type RateLimiter interface {
	Allow(ctx context.Context, key string) (bool, error)
	Wait(ctx context.Context, key string) error
}
