package scraper

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/maltedev/infinityad/internal/models"
)

// RetryPolicy describes bounded exponential backoff. The wait after
// attempt n is Multiplier * 2^(n-1) seconds, clamped to [MinDelay, MaxDelay].
type RetryPolicy struct {
	MaxAttempts int
	MinDelay    time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	// Retryable decides whether an error is worth another attempt.
	// nil retries everything except context cancellation.
	Retryable func(error) bool
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		MinDelay:    2 * time.Second,
		MaxDelay:    10 * time.Second,
		Multiplier:  1,
	}
}

// Delay returns the wait after the given failed attempt (1-based).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	mult := p.Multiplier
	if mult <= 0 {
		mult = 1
	}
	d := time.Duration(mult * math.Pow(2, float64(attempt-1)) * float64(time.Second))
	if d < p.MinDelay {
		d = p.MinDelay
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

func (p RetryPolicy) retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if p.Retryable != nil {
		return p.Retryable(err)
	}
	return true
}

// Do calls fn until it succeeds, the attempts run out, or ctx ends. The
// last error from fn is returned unchanged.
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if attempt == attempts || !p.retryable(err) {
			return err
		}

		timer := time.NewTimer(p.Delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
	return err
}

// ScrapeWithRetry runs s.Scrape under policy.
func ScrapeWithRetry(ctx context.Context, s Scraper, rawURL string, policy RetryPolicy) (*models.Product, error) {
	var product *models.Product
	err := policy.Do(ctx, func(ctx context.Context) error {
		p, err := s.Scrape(ctx, rawURL)
		if err != nil {
			return err
		}
		product = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return product, nil
}
