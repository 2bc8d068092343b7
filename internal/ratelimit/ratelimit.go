package ratelimit

import (
	"context"
	"math/rand"
	"net/url"
	"strings"
	"sync"
	"time"
)

// SimpleRateLimiter spaces calls by a random delay within [min, max).
// Each caller reserves its slot under the lock and sleeps outside it, so
// concurrent waiters queue by slot and each honors its own context.
type SimpleRateLimiter struct {
	minDelay time.Duration
	maxDelay time.Duration
	next     time.Time
	mu       sync.Mutex
	jitter   bool
	now      func() time.Time
}

func NewSimpleRateLimiter(minDelay, maxDelay time.Duration) *SimpleRateLimiter {
	return &SimpleRateLimiter{
		minDelay: minDelay,
		maxDelay: maxDelay,
		jitter:   true,
		now:      time.Now,
	}
}

func (r *SimpleRateLimiter) Wait(ctx context.Context) error {
	wait := r.reserve()
	if wait <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// reserve books the next free slot and returns how long until it starts.
func (r *SimpleRateLimiter) reserve() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	slot := r.next
	if slot.Before(now) {
		slot = now
	}
	r.next = slot.Add(r.calculateDelay())
	return slot.Sub(now)
}

func (r *SimpleRateLimiter) calculateDelay() time.Duration {
	if !r.jitter || r.maxDelay <= r.minDelay {
		return r.minDelay
	}

	delta := r.maxDelay - r.minDelay
	jitter := time.Duration(rand.Int63n(int64(delta)))
	return r.minDelay + jitter
}

// AdaptiveRateLimiter slows down after repeated errors and speeds back up
// after a run of successes.
type AdaptiveRateLimiter struct {
	*SimpleRateLimiter
	errorCount    int
	successCount  int
	maxErrorCount int
	backoffFactor float64
	floor         time.Duration
}

func NewAdaptiveRateLimiter(minDelay, maxDelay time.Duration) *AdaptiveRateLimiter {
	return &AdaptiveRateLimiter{
		SimpleRateLimiter: NewSimpleRateLimiter(minDelay, maxDelay),
		maxErrorCount:     3,
		backoffFactor:     1.5,
		floor:             minDelay,
	}
}

func (a *AdaptiveRateLimiter) RecordSuccess() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.successCount++
	a.errorCount = 0

	if a.successCount > 5 {
		newMin := time.Duration(float64(a.minDelay) * 0.9)
		if newMin < a.floor {
			newMin = a.floor
		}
		a.minDelay = newMin
		a.successCount = 0
	}
}

func (a *AdaptiveRateLimiter) RecordError() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.errorCount++
	a.successCount = 0

	if a.errorCount >= a.maxErrorCount {
		newMin := time.Duration(float64(a.minDelay) * a.backoffFactor)
		newMax := time.Duration(float64(a.maxDelay) * a.backoffFactor)

		if newMin > 60*time.Second {
			newMin = 60 * time.Second
		}
		if newMax > 120*time.Second {
			newMax = 120 * time.Second
		}

		a.minDelay = newMin
		a.maxDelay = newMax
		a.errorCount = 0
	}
}

// Delays returns the current delay window.
func (a *AdaptiveRateLimiter) Delays() (time.Duration, time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.minDelay, a.maxDelay
}

// HostLimiter keeps one adaptive limiter per host so a slow marketplace
// never throttles requests to another.
type HostLimiter struct {
	minDelay time.Duration
	maxDelay time.Duration
	mu       sync.Mutex
	hosts    map[string]*AdaptiveRateLimiter
}

func NewHostLimiter(minDelay, maxDelay time.Duration) *HostLimiter {
	return &HostLimiter{
		minDelay: minDelay,
		maxDelay: maxDelay,
		hosts:    make(map[string]*AdaptiveRateLimiter),
	}
}

// For returns the limiter for the host of rawURL.
func (h *HostLimiter) For(rawURL string) *AdaptiveRateLimiter {
	host := hostOf(rawURL)

	h.mu.Lock()
	defer h.mu.Unlock()

	l, ok := h.hosts[host]
	if !ok {
		l = NewAdaptiveRateLimiter(h.minDelay, h.maxDelay)
		h.hosts[host] = l
	}
	return l
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return rawURL
	}
	return strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
}
