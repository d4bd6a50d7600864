// Package retryengine implements the two-layer capacity/full retry
// orchestration of spec §4.8, generalizing the teacher's
// pkg/internal/retry.Do exponential-backoff idiom (Config with
// MaxRetries/InitialDelay/MaxDelay/Multiplier/Jitter/ShouldRetry) to
// the account-pool-aware retry this system needs: a capacity-only loop
// that rotates accounts on quota exhaustion, and a full-retry loop
// that rotates accounts on any retryable error.
package retryengine

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/antigravity-proxy/gateway/pkg/aperrors"
)

// AccountPool is the subset of pkg/account.Pool the retry engine
// needs, kept as an interface so this package does not import
// pkg/account directly.
type AccountPool interface {
	GetNextAccount(model string) (AccountHandle, bool)
	UnlockAccount(id string)
	MarkAccountSuccess(id string)
	MarkAccountError(id string, err error)
	MarkCapacityLimited(id, model, message string, resetAfter time.Duration)
	MarkCapacityRecovered(id, model string)
	GetAvailableAccountCount() int
}

// AccountHandle is the minimal account shape the retry engine touches.
type AccountHandle interface {
	AccountID() string
}

// Config tunes the retry engine, mirroring the teacher's retry.Config
// naming where the concepts overlap.
type Config struct {
	ConfiguredRetries     int
	BaseDelay             time.Duration // capacity-retry fallback delay when the upstream gives no reset-after hint
	SameAccountRetries    int
	SameAccountRetryDelay time.Duration
	AccountSwitchDelay    time.Duration
	Jitter                bool
	CanRetry              func(error) bool // nil means every non-capacity error is retried via full-retry rotation
}

func (c Config) maxAccountSwitches(available int) int {
	n := c.ConfiguredRetries
	if available-1 > n {
		n = available - 1
	}
	return n
}

// Attempt is one (account, model) invocation. It returns the typed
// result via result and an error classified by pkg/aperrors.
type Attempt func(ctx context.Context, acct AccountHandle) error

// Result carries the outcome of a retry run back to the dispatcher.
type Result struct {
	Aborted bool // true if ctx was cancelled (client disconnect); caller makes no further attempts
}

// RunCapacity implements spec §4.8's capacity-retry mode: one attempt
// per iteration, rotating to a new account on every capacity error,
// stopping after max(configuredRetries, availableCount-1)+1 attempts.
// Non-capacity errors propagate immediately without rotation.
func RunCapacity(ctx context.Context, pool AccountPool, model string, cfg Config, attempt Attempt) (Result, error) {
	maxAttempts := cfg.maxAccountSwitches(pool.GetAvailableAccountCount()) + 1

	for i := 0; i < maxAttempts; i++ {
		if err := ctx.Err(); err != nil {
			return Result{Aborted: true}, nil
		}

		acct, ok := pool.GetNextAccount(model)
		if !ok {
			return Result{}, errors.New("no account available")
		}

		err := attempt(ctx, acct)
		if err == nil {
			pool.MarkCapacityRecovered(acct.AccountID(), model)
			pool.MarkAccountSuccess(acct.AccountID())
			return Result{}, nil
		}

		ae, isAccountErr := aperrors.AsAccountError(err)
		if !isAccountErr || ae.Kind != aperrors.KindCapacity {
			pool.UnlockAccount(acct.AccountID())
			return Result{}, err
		}

		pool.MarkCapacityLimited(acct.AccountID(), model, ae.Message, ae.ResetAfter)
		pool.UnlockAccount(acct.AccountID())

		if i == maxAttempts-1 {
			return Result{}, err
		}

		delay := ae.ResetAfter
		if delay <= 0 {
			delay = cfg.BaseDelay * time.Duration(i+1)
		}
		if cfg.Jitter {
			delay = jitter(delay)
		}
		if err := sleep(ctx, delay); err != nil {
			return Result{Aborted: true}, nil
		}
	}
	return Result{}, errors.New("capacity retry exhausted")
}

// RunFull implements spec §4.8's full-retry mode, shared by the
// non-stream and stream dispatch paths: one attempt per account (the
// same-account loop ends at the first error, so SameAccountRetryDelay
// is not used), rotating up to maxAccountSwitches times with
// accountSwitchDelay between. canRetry can short-circuit rotation
// (e.g. non-retryable 4xx client errors).
func RunFull(ctx context.Context, pool AccountPool, model string, cfg Config, attempt Attempt) (Result, error) {
	maxSwitches := cfg.maxAccountSwitches(pool.GetAvailableAccountCount())
	sameAccountRetries := cfg.SameAccountRetries
	if sameAccountRetries < 1 {
		sameAccountRetries = 1
	}

	var lastErr error
	for sw := 0; sw <= maxSwitches; sw++ {
		if err := ctx.Err(); err != nil {
			return Result{Aborted: true}, nil
		}

		acct, ok := pool.GetNextAccount(model)
		if !ok {
			return Result{}, errors.New("no account available")
		}

		// Up to sameAccountRetries attempts on one account; any error
		// ends the loop and the account rotates (spec §4.8), so in
		// practice each account is tried once per rotation.
		for a := 0; a < sameAccountRetries; a++ {
			if err := ctx.Err(); err != nil {
				pool.UnlockAccount(acct.AccountID())
				return Result{Aborted: true}, nil
			}

			err := attempt(ctx, acct)
			if err == nil {
				pool.MarkCapacityRecovered(acct.AccountID(), model)
				pool.MarkAccountSuccess(acct.AccountID())
				return Result{}, nil
			}

			lastErr = err
			if ae, ok := aperrors.AsAccountError(err); ok && ae.Kind == aperrors.KindCapacity {
				pool.MarkCapacityLimited(acct.AccountID(), model, ae.Message, ae.ResetAfter)
			}

			if cfg.CanRetry != nil && !cfg.CanRetry(err) {
				pool.UnlockAccount(acct.AccountID())
				return Result{}, err
			}

			break
		}

		pool.UnlockAccount(acct.AccountID())

		if sw == maxSwitches {
			break
		}
		if err := sleep(ctx, cfg.AccountSwitchDelay); err != nil {
			return Result{Aborted: true}, nil
		}
	}
	return Result{}, lastErr
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
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

// jitter returns d increased by a random 0-25%. The teacher's
// retry.calculateDelay uses the same 25% ceiling but a 12.5% floor.
func jitter(d time.Duration) time.Duration {
	extra := float64(d) * 0.25 * rand.Float64()
	return d + time.Duration(extra)
}
