// Copyright 2024 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package retry

import (
	"math"
	"time"
)

const (
	// defaultBackoffBase is the initial backoff duration
	defaultBackoffBase = 10 * time.Millisecond
	// defaultBackoffCap is the max amount of backoff duration
	defaultBackoffCap = 100 * time.Millisecond
	defaultMaxTries   = 3
)

// Option ...
type Option func(*retryOptions)

// IsRetryable checks the error is safe to retry or not, eg. "context.Canceled" better not retry
type IsRetryable func(error) bool

type retryOptions struct {
	maxTries         float64
	backoffBase      time.Duration
	backoffCap       time.Duration
	totalRetryBudget time.Duration
	isRetryable      IsRetryable
}

func newRetryOptions() *retryOptions {
	return &retryOptions{
		maxTries:    defaultMaxTries,
		backoffBase: defaultBackoffBase,
		backoffCap:  defaultBackoffCap,
		isRetryable: func(err error) bool { return true },
	}
}

// WithBackoffBaseDelay configures the initial delay
func WithBackoffBaseDelay(delay time.Duration) Option {
	return func(o *retryOptions) {
		if delay > 0 {
			o.backoffBase = delay
		}
	}
}

// WithBackoffMaxDelay configures the maximum delay
func WithBackoffMaxDelay(delay time.Duration) Option {
	return func(o *retryOptions) {
		if delay > 0 {
			o.backoffCap = delay
		}
	}
}

// WithMaxTries configures maximum tries, if tries <= 0 "WithMaxTries" has no effect
func WithMaxTries(tries uint64) Option {
	return func(o *retryOptions) {
		if tries > 0 {
			o.maxTries = float64(tries)
		}
	}
}

// WithInfiniteTries configures to retry forever till success
func WithInfiniteTries() Option {
	return func(o *retryOptions) {
		o.maxTries = math.Inf(1)
	}
}

// WithTotalRetryDuration configures the total retry duration.
func WithTotalRetryDuration(budget time.Duration) Option {
	return func(o *retryOptions) {
		o.totalRetryBudget = budget
	}
}

// WithIsRetryableErr configures the error handler, if not set, retry by default
func WithIsRetryableErr(f IsRetryable) Option {
	return func(o *retryOptions) {
		if f != nil {
			o.isRetryable = f
		}
	}
}
