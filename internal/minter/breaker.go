package minter

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/voxrelay/voxrelay/internal/event"
)

// Compile-time interface check.
var _ Minter = (*BreakerMinter)(nil)

// Breaker defaults.
const (
	defaultMaxFailures  = 5
	defaultResetTimeout = 30 * time.Second
)

// BreakerMinter wraps a [Minter] with a two-state circuit breaker so a
// hard-down upstream fails connection setup fast instead of stacking mint
// timeouts. After maxFailures consecutive failures the breaker opens; while
// open, Mint returns the last failure immediately. The first call after
// resetTimeout probes the inner minter and closes the breaker on success.
//
// Safe for concurrent use.
type BreakerMinter struct {
	inner        Minter
	maxFailures  int
	resetTimeout time.Duration

	mu              sync.Mutex
	consecutiveFail int
	lastFailure     time.Time
	lastErr         error
}

// BreakerOption configures a [BreakerMinter].
type BreakerOption func(*BreakerMinter)

// WithMaxFailures sets how many consecutive failures open the breaker.
func WithMaxFailures(n int) BreakerOption {
	return func(b *BreakerMinter) { b.maxFailures = n }
}

// WithResetTimeout sets how long the breaker stays open before probing.
func WithResetTimeout(d time.Duration) BreakerOption {
	return func(b *BreakerMinter) { b.resetTimeout = d }
}

// NewBreaker wraps inner with a circuit breaker.
func NewBreaker(inner Minter, opts ...BreakerOption) *BreakerMinter {
	b := &BreakerMinter{
		inner:        inner,
		maxFailures:  defaultMaxFailures,
		resetTimeout: defaultResetTimeout,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Mint implements [Minter].
func (b *BreakerMinter) Mint(ctx context.Context, cfg event.SessionConfig) (EphemeralCredential, error) {
	b.mu.Lock()
	if b.consecutiveFail >= b.maxFailures && time.Since(b.lastFailure) < b.resetTimeout {
		err := b.lastErr
		b.mu.Unlock()
		return EphemeralCredential{}, err
	}
	b.mu.Unlock()

	cred, err := b.inner.Mint(ctx, cfg)

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.consecutiveFail++
		b.lastFailure = time.Now()
		b.lastErr = err
		if b.consecutiveFail == b.maxFailures {
			slog.Warn("minter breaker opened",
				"consecutive_failures", b.consecutiveFail,
				"reset_timeout", b.resetTimeout,
			)
		}
		return EphemeralCredential{}, err
	}
	if b.consecutiveFail >= b.maxFailures {
		slog.Info("minter breaker closed after successful probe")
	}
	b.consecutiveFail = 0
	b.lastErr = nil
	return cred, nil
}
