// Package txretry retries statement groups that lost a race with another
// writer. Contention is expected under concurrent payout workers and is
// absorbed here instead of surfacing to callers.
package txretry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

var ErrInvalidConfig = errors.New("txretry: invalid config")

// SQLSTATE codes that mean "try again".
const (
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeLockNotAvailable     = "55P03"
)

type Policy struct {
	// MaxAttempts bounds the total number of calls. 0 retries until ctx is done.
	MaxAttempts int
	// Base is the delay before the first retry; it doubles on every retry.
	Base time.Duration
	// MaxExponent caps the doubling so the delay never exceeds Base<<MaxExponent.
	MaxExponent int

	Log   *slog.Logger
	Sleep func(ctx context.Context, d time.Duration) error
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 0,
		Base:        100 * time.Millisecond,
		MaxExponent: 13,
	}
}

func (p Policy) validate() error {
	if p.MaxAttempts < 0 {
		return fmt.Errorf("%w: MaxAttempts must be >= 0", ErrInvalidConfig)
	}
	if p.Base <= 0 {
		return fmt.Errorf("%w: Base must be > 0", ErrInvalidConfig)
	}
	if p.MaxExponent < 0 || p.MaxExponent > 30 {
		return fmt.Errorf("%w: MaxExponent out of range", ErrInvalidConfig)
	}
	return nil
}

// Delay returns the wait before retry number attempt (1-based).
func (p Policy) Delay(attempt int) time.Duration {
	exp := attempt - 1
	if exp < 0 {
		exp = 0
	}
	if exp > p.MaxExponent {
		exp = p.MaxExponent
	}
	return p.Base << uint(exp)
}

// Do runs fn until it succeeds, fails with a non-retryable error, exhausts
// MaxAttempts, or ctx is done.
func (p Policy) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if err := p.validate(); err != nil {
		return err
	}
	log := p.Log
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}

	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			if attempt > 1 {
				log.Info("statement group committed after retries", "op", op, "attempts", attempt)
			}
			return nil
		}
		if !Retryable(err) {
			return err
		}
		if p.MaxAttempts > 0 && attempt >= p.MaxAttempts {
			return fmt.Errorf("txretry: %s failed after %d attempts: %w", op, attempt, err)
		}

		d := p.Delay(attempt)
		log.Warn("contention, retrying", "op", op, "attempt", attempt, "retry_in", d, "err", err)
		if err := sleep(ctx, d); err != nil {
			return fmt.Errorf("txretry: %s: %w", op, err)
		}
	}
}

// Retryable reports whether err is a contention failure.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeSerializationFailure, codeDeadlockDetected, codeLockNotAvailable:
			return true
		}
		return false
	}
	return pgconn.SafeToRetry(err)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
