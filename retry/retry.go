// Package retry runs operations with exponential backoff.
package retry

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// Options configure Do.
type Options struct {
	MaxRetries int
	BaseWait   time.Duration
	MaxWait    time.Duration
	Multiplier float64
	Jitter     bool

	// ShouldRetry decides whether an error is retried. Defaults to
	// IsRecoverable.
	ShouldRetry func(err error) bool

	// OnRetry is called before sleeping ahead of the given attempt.
	OnRetry func(attempt int, err error, wait time.Duration)
}

// Option modifies Options.
type Option func(*Options)

func WithMaxRetries(n int) Option {
	return func(o *Options) { o.MaxRetries = n }
}

func WithBaseWait(d time.Duration) Option {
	return func(o *Options) { o.BaseWait = d }
}

func WithMaxWait(d time.Duration) Option {
	return func(o *Options) { o.MaxWait = d }
}

func WithMultiplier(m float64) Option {
	return func(o *Options) { o.Multiplier = m }
}

func WithJitter(enabled bool) Option {
	return func(o *Options) { o.Jitter = enabled }
}

func WithShouldRetry(fn func(err error) bool) Option {
	return func(o *Options) { o.ShouldRetry = fn }
}

func WithOnRetry(fn func(attempt int, err error, wait time.Duration)) Option {
	return func(o *Options) { o.OnRetry = fn }
}

func defaultOptions() Options {
	return Options{
		MaxRetries:  3,
		BaseWait:    time.Second,
		MaxWait:     time.Minute,
		Multiplier:  2,
		ShouldRetry: IsRecoverable,
	}
}

// Do calls fn until it succeeds, returns an error that should not be
// retried, exhausts the retry budget or ctx is done. fn receives the
// attempt number starting at 1. The last error from fn is returned.
func Do(ctx context.Context, fn func(attempt int) error, opts ...Option) error {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.ShouldRetry == nil {
		o.ShouldRetry = IsRecoverable
	}

	var err error
	for attempt := 1; ; attempt++ {
		err = fn(attempt)
		if err == nil {
			return nil
		}
		if attempt > o.MaxRetries || !o.ShouldRetry(err) || ctx.Err() != nil {
			return err
		}
		wait := Backoff(attempt, o.BaseWait, o.MaxWait, o.Multiplier, o.Jitter)
		if o.OnRetry != nil {
			o.OnRetry(attempt+1, err, wait)
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
}

// Backoff returns the wait before retry number n (1-based). With jitter the
// wait is drawn uniformly from [wait/2, wait].
func Backoff(n int, base, max time.Duration, multiplier float64, jitter bool) time.Duration {
	if base <= 0 {
		return 0
	}
	if multiplier < 1 {
		multiplier = 1
	}
	wait := float64(base) * math.Pow(multiplier, float64(n-1))
	if max > 0 && wait > float64(max) {
		wait = float64(max)
	}
	if jitter {
		half := wait / 2
		wait = half + rand.Float64()*half
	}
	return time.Duration(wait)
}
