// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package retry

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// ErrExhausted is returned by Do when the task didn't succeed within the
// limits of the Retrier.
var ErrExhausted = errors.New("retries exhausted")

// Task to execute with retries in the Do method.
// On every execution, it receives the iteration number.
// It should return true if it completes successfully and false if it should be retried.
type Task func(int) (done bool)

// Retrier runs a task until it succeeds, sleeping a growing, jittered amount
// of time between attempts.
type Retrier struct {
	// MinSleep is the shortest and initial sleep time to be
	// used during the retry loop.
	MinSleep time.Duration

	// MaxSleep is the longest sleep time to be used during
	// the retry loop.
	MaxSleep time.Duration

	// MaxRetry, if greater than zero, will be used to bound the
	// total time to execute the retry loop.
	MaxRetry time.Duration

	// MaxNumRetries, if greater than zero, will limit the number of attempts.
	MaxNumRetries int
}

// Do executes the given Task, retrying when the task returns false. It
// returns nil once the task succeeds, ErrExhausted if it hits the maximum
// retry count or time, or the error of 'ctx' if it's done first.
func (r Retrier) Do(ctx context.Context, task Task) error {
	if r.MaxSleep < r.MinSleep {
		r.MaxSleep = r.MinSleep
	}
	backoff := r.MinSleep
	start := time.Now()
	for i := 0; ; i++ {
		if r.MaxNumRetries > 0 && i >= r.MaxNumRetries ||
			r.MaxRetry > 0 && i > 0 && time.Since(start)+backoff > r.MaxRetry {
			return ErrExhausted
		}
		if task(i) {
			return nil
		}
		timer := time.NewTimer(backoff)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
		backoff = time.Duration(float64(backoff) * (1.75 + 0.5*rand.Float64()))
		if backoff > r.MaxSleep {
			backoff = r.MaxSleep + time.Duration(float64(r.MinSleep)*rand.Float64())
		}
	}
}
