/*
Copyright © 2025 NVIDIA Corporation
SPDX-License-Identifier: Apache-2.0
*/

// Package retry wraps fallible operations with bounded exponential back-off.
//
// Transient cluster conditions (a job still running, a pod not scheduled
// yet, API rate limits) self-heal through retries instead of caller-side
// loops. Errors marked permanent short-circuit the policy and surface
// immediately.
package retry

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"
)

const (
	// DefaultAttempts is the default number of attempts per operation.
	DefaultAttempts = 5

	// DefaultDelay is the default delay before the first retry. It doubles
	// after each attempt.
	DefaultDelay = time.Second
)

// permanentError marks an error that must not be retried.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// MarkPermanent wraps err so the policy stops retrying and returns it as-is.
func MarkPermanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err carries the permanent marker.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// Policy is an explicit retry policy: a bounded number of attempts with an
// exponentially growing delay between them.
type Policy struct {
	// Attempts is the total number of attempts, including the first one.
	Attempts int

	// Delay is the sleep before the first retry, doubled by Factor after
	// each subsequent failure.
	Delay time.Duration

	// Factor is the back-off multiplier. Zero means 2.
	Factor float64

	// sleep is overridable for tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// DefaultPolicy returns the policy applied to cluster API operations:
// 5 attempts with delays of 1s, 2s, 4s and 8s in between.
func DefaultPolicy() *Policy {
	return &Policy{Attempts: DefaultAttempts, Delay: DefaultDelay}
}

// Do runs fn until it succeeds, returns a permanent error, or the attempt
// budget is exhausted. The last error is returned unchanged (modulo the
// permanent marker, which is unwrapped).
func (p *Policy) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	factor := p.Factor
	if factor == 0 {
		factor = 2
	}
	backoff := wait.Backoff{
		Duration: p.Delay,
		Factor:   factor,
		Steps:    p.Attempts,
	}

	var err error
	for attempt := 1; attempt <= p.Attempts; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}

		var pe *permanentError
		if errors.As(err, &pe) {
			return pe.err
		}
		if attempt == p.Attempts {
			break
		}

		delay := backoff.Step()
		slog.Warn("operation failed, retrying",
			"op", op,
			"attempt", attempt,
			"delay", delay,
			"error", err)
		if serr := p.doSleep(ctx, delay); serr != nil {
			return serr
		}
	}
	return err
}

func (p *Policy) doSleep(ctx context.Context, d time.Duration) error {
	if p.sleep != nil {
		return p.sleep(ctx, d)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
