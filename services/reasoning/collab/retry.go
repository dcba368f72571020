// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package collab

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"
)

// ErrInvalidRetryConfig indicates a retry configuration that cannot run.
var ErrInvalidRetryConfig = errors.New("invalid retry config")

// RetryConfig bounds how often one collaborator operation is re-attempted
// after a transient failure. Malformed output is never re-attempted; it
// goes to the repair collaborator instead.
type RetryConfig struct {
	// MaxAttempts counts the first call. 1 disables retries.
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts"`

	// InitialBackoff is the wait before the second attempt.
	InitialBackoff time.Duration `yaml:"initial_backoff" json:"initial_backoff"`

	// MaxBackoff caps every wait.
	MaxBackoff time.Duration `yaml:"max_backoff" json:"max_backoff"`

	// BackoffFactor grows the wait after each failed attempt.
	BackoffFactor float64 `yaml:"backoff_factor" json:"backoff_factor"`

	// JitterFactor spreads each wait by up to this fraction either way.
	JitterFactor float64 `yaml:"jitter_factor" json:"jitter_factor"`
}

// DefaultRetryConfig returns three attempts at 200ms, 400ms backoff.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		BackoffFactor:  2.0,
		JitterFactor:   0.2,
	}
}

// Validate reports the first field that makes the configuration unusable.
func (c RetryConfig) Validate() error {
	switch {
	case c.MaxAttempts < 1:
		return fmt.Errorf("%w: max_attempts must be at least 1", ErrInvalidRetryConfig)
	case c.InitialBackoff <= 0:
		return fmt.Errorf("%w: initial_backoff must be positive", ErrInvalidRetryConfig)
	case c.MaxBackoff < c.InitialBackoff:
		return fmt.Errorf("%w: max_backoff below initial_backoff", ErrInvalidRetryConfig)
	case c.BackoffFactor < 1.0:
		return fmt.Errorf("%w: backoff_factor must be at least 1", ErrInvalidRetryConfig)
	case c.JitterFactor < 0 || c.JitterFactor > 1:
		return fmt.Errorf("%w: jitter_factor must be within [0,1]", ErrInvalidRetryConfig)
	}
	return nil
}

// wait returns the jittered delay that follows failed attempt n (1-based).
func (c RetryConfig) wait(n int) time.Duration {
	d := float64(c.InitialBackoff)
	for i := 1; i < n; i++ {
		d *= c.BackoffFactor
		if d >= float64(c.MaxBackoff) {
			d = float64(c.MaxBackoff)
			break
		}
	}
	if c.JitterFactor > 0 {
		d *= 1 + (rand.Float64()*2-1)*c.JitterFactor
	}
	return time.Duration(d)
}

// failureKind says what the boundary does with a failed attempt.
type failureKind int

const (
	// failFinal ends the call with the error.
	failFinal failureKind = iota

	// failTransient re-attempts the same collaborator after a backoff.
	failTransient

	// failMalformed hands the payload to the repair collaborator.
	failMalformed
)

func classifyFailure(err error) failureKind {
	switch {
	case err == nil:
		return failFinal
	case errors.Is(err, ErrMalformedOutput):
		return failMalformed
	case errors.Is(err, context.Canceled):
		return failFinal
	case errors.Is(err, ErrCollaboratorUnavailable), errors.Is(err, context.DeadlineExceeded):
		return failTransient
	default:
		return failFinal
	}
}

// IsRetryable returns true if err should trigger another attempt against
// the same collaborator. Only availability failures and per-attempt
// deadlines qualify.
func IsRetryable(err error) bool {
	return classifyFailure(err) == failTransient
}

// attempt runs fn until it succeeds, fails for good or the configured
// attempts run out. Each attempt first waits on the rate limiter. It
// returns the number of attempts made and the last error.
func (b *Boundary) attempt(ctx context.Context, name string, fn func(ctx context.Context) error) (int, error) {
	limit := b.retry.MaxAttempts
	if limit < 1 {
		limit = 1
	}

	var err error
	for n := 1; n <= limit; n++ {
		if cerr := ctx.Err(); cerr != nil {
			return n, cerr
		}
		if b.limiter != nil {
			if werr := b.limiter.Wait(ctx); werr != nil {
				return n, werr
			}
		}

		err = fn(ctx)
		if err == nil {
			return n, nil
		}
		if classifyFailure(err) != failTransient || n == limit {
			return n, err
		}

		delay := b.retry.wait(n)
		b.logger.Debug("Collaborator call failed, retrying",
			slog.String("call", name),
			slog.Int("attempt", n),
			slog.Duration("backoff", delay),
			slog.String("error", err.Error()),
		)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return n, ctx.Err()
		case <-timer.C:
		}
	}
	return limit, err
}
