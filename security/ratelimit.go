package security

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/makr-code/polyglot-coordinator/document"
)

// RolePolicy is a single role's token-bucket parameters (§6.4:
// ratelimit.{role}.refill_per_sec, ratelimit.{role}.burst).
type RolePolicy struct {
	RefillPerSec float64
	Burst        int
}

// RateLimiter holds one golang.org/x/time/rate.Limiter per role, exactly
// matching the refill-rate-plus-burst-size token-bucket semantics §4.3
// step 4 and the testable property in §8 both require.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[document.Role]*rate.Limiter
	policies map[document.Role]RolePolicy
}

// NewRateLimiter builds limiters from policies. A role absent from
// policies is unlimited.
func NewRateLimiter(policies map[document.Role]RolePolicy) *RateLimiter {
	rl := &RateLimiter{limiters: make(map[document.Role]*rate.Limiter), policies: policies}
	for role, p := range policies {
		rl.limiters[role] = rate.NewLimiter(rate.Limit(p.RefillPerSec), p.Burst)
	}
	return rl
}

// Allow reports whether role may admit one more request right now.
func (rl *RateLimiter) Allow(role document.Role) bool {
	rl.mu.Lock()
	limiter, ok := rl.limiters[role]
	rl.mu.Unlock()
	if !ok {
		return true
	}
	return limiter.Allow()
}

// RetryAfterSeconds estimates a retry-after hint for a refused request,
// derived from the role's configured refill rate.
func (rl *RateLimiter) RetryAfterSeconds(role document.Role) int {
	rl.mu.Lock()
	p, ok := rl.policies[role]
	rl.mu.Unlock()
	if !ok || p.RefillPerSec <= 0 {
		return 1
	}
	wait := time.Duration(float64(time.Second) / p.RefillPerSec)
	if wait < time.Second {
		wait = time.Second
	}
	return int(wait / time.Second)
}

// DefaultPolicies mirrors a reasonable multi-tier default: system/service
// principals get the highest allowance, read-only the lowest.
func DefaultPolicies() map[document.Role]RolePolicy {
	return map[document.Role]RolePolicy{
		document.RoleSystem:   {RefillPerSec: 1000, Burst: 2000},
		document.RoleAdmin:    {RefillPerSec: 200, Burst: 400},
		document.RoleService:  {RefillPerSec: 500, Burst: 1000},
		document.RoleUser:     {RefillPerSec: 50, Burst: 100},
		document.RoleReadOnly: {RefillPerSec: 20, Burst: 40},
	}
}
