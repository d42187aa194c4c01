// Package backoff implements the retry schedule shared by all remote
// operations: exponential growth capped at a ceiling, with multiplicative
// jitter so parallel workers do not retry in lockstep.
package backoff

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/jonboulle/clockwork"
)

// DefaultCeiling caps the un-jittered delay between attempts.
const DefaultCeiling = 30 * time.Second

// Policy describes one retry schedule. The zero value is not usable, always
// construct via New or NewWithClock.
type Policy struct {
	// MaxAttempts is the total number of tries, including the first.
	MaxAttempts int
	// Ceiling caps the un-jittered delay.
	Ceiling time.Duration

	clock  clockwork.Clock
	jitter func() float64
}

// New returns a policy using the real clock.
func New(maxAttempts int) *Policy {
	return NewWithClock(maxAttempts, clockwork.NewRealClock())
}

// NewWithClock returns a policy driven by the given clock. Tests pass a
// clockwork.FakeClock so retry schedules run without real sleeps.
func NewWithClock(maxAttempts int, clock clockwork.Clock) *Policy {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Policy{
		MaxAttempts: maxAttempts,
		Ceiling:     DefaultCeiling,
		clock:       clock,
		jitter:      func() float64 { return 0.75 + 0.5*rand.Float64() },
	}
}

// Delay returns the jittered wait before retry number attempt (1-based,
// counting failed tries so far). The base delay doubles per attempt and is
// nudged by a small linear term so early retries do not collide, then the
// whole thing is scaled by a random factor in [0.75, 1.25).
func (p *Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := math.Exp2(float64(attempt-1)) + 0.1*float64(attempt)
	if capped := p.Ceiling.Seconds(); base > capped {
		base = capped
	}
	return time.Duration(base * p.jitter() * float64(time.Second))
}

// Sleep waits the delay for the given attempt, returning early with the
// context's error if it is cancelled.
func (p *Policy) Sleep(ctx context.Context, attempt int) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-p.clock.After(p.Delay(attempt)):
		return nil
	}
}

// Do runs op up to MaxAttempts times. retryable decides whether a failure is
// worth another try; a nil retryable retries everything. onRetry, if set, is
// called before each wait with the 1-based attempt number and its error.
func (p *Policy) Do(ctx context.Context, op func() error, retryable func(error) bool, onRetry func(attempt int, err error)) error {
	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if retryable != nil && !retryable(lastErr) {
			return lastErr
		}
		if attempt == p.MaxAttempts {
			break
		}
		if onRetry != nil {
			onRetry(attempt, lastErr)
		}
		if err := p.Sleep(ctx, attempt); err != nil {
			return err
		}
	}
	return fmt.Errorf("giving up after %d attempts: %w", p.MaxAttempts, lastErr)
}
