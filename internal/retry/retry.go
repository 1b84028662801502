// Package retry provides bounded, fixed-delay retry for engine commands and
// readiness polling. No backoff, no jitter: attempts run at a constant cadence
// until they succeed or the budget is spent.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pkt.systems/pslog"
)

// ErrConditionNotMet reports a poll that exhausted its budget without the
// probed condition ever holding.
var ErrConditionNotMet = errors.New("condition not met")

// SleepFunc suspends between attempts. Implementations must return early with
// the context error when the context is canceled.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Sleep is the default SleepFunc.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Policy bounds one retry or poll call.
type Policy struct {
	// Attempts is the total invocation budget. Values below one are treated
	// as one.
	Attempts int
	// Delay is the fixed pause between attempts.
	Delay time.Duration
	// Sleep replaces the inter-attempt sleeper; nil uses Sleep.
	Sleep SleepFunc
}

func (p Policy) attempts() int {
	if p.Attempts < 1 {
		return 1
	}
	return p.Attempts
}

func (p Policy) sleep(ctx context.Context) error {
	fn := p.Sleep
	if fn == nil {
		fn = Sleep
	}
	return fn(ctx, p.Delay)
}

// Do runs fn until it returns nil or the attempt budget is spent. Every failed
// attempt is logged. The returned error wraps the last failure.
func Do(ctx context.Context, pol Policy, op string, fn func(context.Context) error) error {
	log := pslog.Ctx(ctx).With("op", op)
	total := pol.attempts()
	var lastErr error
	for attempt := 1; attempt <= total; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = fn(ctx)
		if lastErr == nil {
			if attempt > 1 {
				log.Info("retry recovered", "attempt", attempt, "attempts", total)
			}
			return nil
		}
		log.Warn("retry attempt failed", "attempt", attempt, "attempts", total, "err", lastErr)
		if attempt == total {
			break
		}
		if err := pol.sleep(ctx); err != nil {
			return err
		}
	}
	return fmt.Errorf("%s failed after %d attempts: %w", op, total, lastErr)
}

// Poll runs probe until it reports true or the attempt budget is spent. A
// probe error counts as a failed attempt, same as a false result. The returned
// error wraps the last probe error, or ErrConditionNotMet when the probe only
// ever reported false.
func Poll(ctx context.Context, pol Policy, op string, probe func(context.Context) (bool, error)) error {
	log := pslog.Ctx(ctx).With("op", op)
	total := pol.attempts()
	var lastErr error
	for attempt := 1; attempt <= total; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		ok, err := probe(ctx)
		if err == nil && ok {
			log.Debug("poll condition met", "attempt", attempt, "attempts", total)
			return nil
		}
		lastErr = err
		if err != nil {
			log.Debug("poll attempt failed", "attempt", attempt, "attempts", total, "err", err)
		} else {
			log.Debug("poll condition not met", "attempt", attempt, "attempts", total)
		}
		if attempt == total {
			break
		}
		if err := pol.sleep(ctx); err != nil {
			return err
		}
	}
	if lastErr == nil {
		lastErr = ErrConditionNotMet
	}
	log.Warn("poll exhausted", "attempts", total, "err", lastErr)
	return fmt.Errorf("%s not ready after %d attempts: %w", op, total, lastErr)
}
