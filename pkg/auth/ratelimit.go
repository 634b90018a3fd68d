package auth

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rhuss/plume/pkg/api"
	"github.com/rhuss/plume/pkg/observability"
	"github.com/rhuss/plume/pkg/service"
)

// ErrTooManyRequests is returned by a RateLimiter when the limit is exceeded.
var ErrTooManyRequests = errors.New("rate limit exceeded")

// RateLimiter checks whether a request should be allowed for a principal.
// A nil principal stands for unauthenticated callers.
type RateLimiter interface {
	Allow(ctx context.Context, p *Principal) error
}

// TierConfig holds rate limit settings for a service tier.
type TierConfig struct {
	RequestsPerMinute int
}

// InProcessLimiter is a fixed-window rate limiter that tracks request
// counts per subject in memory. The tier is read from the principal's
// "tier" metadata.
type InProcessLimiter struct {
	tiers      map[string]TierConfig
	defaultRPM int
	now        func() time.Time
	mu         sync.Mutex
	counters   map[string]*counter
}

type counter struct {
	count    int
	windowAt time.Time
}

// NewInProcessLimiter creates a rate limiter with per-tier configuration.
func NewInProcessLimiter(tiers map[string]TierConfig, defaultRPM int) *InProcessLimiter {
	return &InProcessLimiter{
		tiers:      tiers,
		defaultRPM: defaultRPM,
		now:        time.Now,
		counters:   make(map[string]*counter),
	}
}

// Allow checks if the request is within the rate limit.
func (l *InProcessLimiter) Allow(_ context.Context, p *Principal) error {
	subject, tier := "anonymous", "default"
	if p != nil {
		subject = p.Subject
		if t := p.Metadata["tier"]; t != "" {
			tier = t
		}
	}

	rpm := l.defaultRPM
	if tc, ok := l.tiers[tier]; ok {
		rpm = tc.RequestsPerMinute
	}
	if rpm <= 0 {
		return nil // no limit
	}

	key := subject + ":" + tier

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	c, ok := l.counters[key]
	if !ok || now.Sub(c.windowAt) >= time.Minute {
		l.counters[key] = &counter{count: 1, windowAt: now}
		return nil
	}

	c.count++
	if c.count > rpm {
		return ErrTooManyRequests
	}
	return nil
}

// RateLimit returns a before-hook that enforces limiter for the principal
// established by earlier hooks. Internal calls are not limited.
func RateLimit(limiter RateLimiter) service.Hook {
	return service.HookFunc("rateLimit", func(ctx context.Context, hc *service.Context) (*service.Context, error) {
		if !hc.External() {
			return nil, nil
		}
		if err := limiter.Allow(ctx, PrincipalFrom(hc)); err != nil {
			observability.RateLimitRejectedTotal.WithLabelValues(hc.Path).Inc()
			return nil, api.NewTooManyRequestsError("rate limit exceeded").WithCause(err)
		}
		return nil, nil
	})
}
