// Package ratelimit applies per-customer token buckets tiered by the
// caller's subscription standing.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/agentmold/backend/internal/core"
)

// Tier selects which bucket size applies to a customer.
type Tier string

const (
	TierTrial    Tier = "trial"
	TierPaid     Tier = "paid"
	TierGovernor Tier = "governor"
)

// TierFor derives the tier from the request context.
func TierFor(rc *core.RequestContext) Tier {
	if rc.HasRole(core.RoleGovernor) {
		return TierGovernor
	}
	if rc.TrialMode {
		return TierTrial
	}
	return TierPaid
}

// Limits holds per-hour request budgets per tier.
type Limits struct {
	TrialPerHour    int
	PaidPerHour     int
	GovernorPerHour int
}

// Limiter maintains one token bucket per (tier, customer). Buckets are
// created lazily and refill continuously at the hourly rate with a
// burst of the full hourly allowance.
type Limiter struct {
	limits Limits

	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

func NewLimiter(limits Limits) *Limiter {
	if limits.TrialPerHour == 0 {
		limits.TrialPerHour = 100
	}
	if limits.PaidPerHour == 0 {
		limits.PaidPerHour = 1000
	}
	if limits.GovernorPerHour == 0 {
		limits.GovernorPerHour = 10000
	}
	return &Limiter{
		limits:  limits,
		buckets: make(map[string]*rate.Limiter),
	}
}

func (l *Limiter) perHour(tier Tier) int {
	switch tier {
	case TierGovernor:
		return l.limits.GovernorPerHour
	case TierTrial:
		return l.limits.TrialPerHour
	default:
		return l.limits.PaidPerHour
	}
}

func (l *Limiter) bucket(tier Tier, customerID string) *rate.Limiter {
	key := string(tier) + ":" + customerID
	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.buckets[key]; ok {
		return b
	}
	perHour := l.perHour(tier)
	b := rate.NewLimiter(rate.Limit(float64(perHour)/3600.0), perHour)
	l.buckets[key] = b
	return b
}

// Allow consumes one token from the caller's bucket. When the bucket
// is empty it returns false and the wait until the next token, for the
// Retry-After header.
func (l *Limiter) Allow(tier Tier, customerID string) (bool, time.Duration) {
	b := l.bucket(tier, customerID)
	if b.Allow() {
		return true, 0
	}
	res := b.Reserve()
	delay := res.Delay()
	res.Cancel()
	if delay < time.Second {
		delay = time.Second
	}
	return false, delay
}
