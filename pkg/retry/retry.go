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
	"context"
	"math"
	"math/rand"
	"strconv"
	"time"

	"github.com/pingcap/errors"
	cerror "github.com/pingcap/shardjob/pkg/errors"
)

// Do execute the specified function.
// By default it tries 3 times, use WithMaxTries or WithInfiniteTries to change it.
func Do(ctx context.Context, operation func() error, opts ...Option) error {
	retryOption := setOptions(opts...)
	return run(ctx, operation, retryOption)
}

func setOptions(opts ...Option) *retryOptions {
	retryOption := newRetryOptions()
	for _, opt := range opts {
		opt(retryOption)
	}
	return retryOption
}

func run(ctx context.Context, op func() error, retryOption *retryOptions) error {
	select {
	case <-ctx.Done():
		return errors.Trace(ctx.Err())
	default:
	}

	var t *time.Timer
	var start time.Time
	try := 0
	backOff := time.Duration(0)
	for {
		err := op()
		if err == nil {
			return nil
		}

		if !retryOption.isRetryable(err) {
			return err
		}

		try++
		if float64(try) >= retryOption.maxTries {
			return cerror.ErrReachMaxTry.
				Wrap(err).GenWithStackByArgs(fmtTries(retryOption.maxTries), err)
		}
		if retryOption.totalRetryBudget != 0 {
			if start.IsZero() {
				start = time.Now()
			} else if time.Since(start) > retryOption.totalRetryBudget {
				return cerror.ErrReachMaxTry.
					Wrap(err).GenWithStackByArgs(retryOption.totalRetryBudget.String(), err)
			}
		}

		backOff = getBackoff(try, retryOption.backoffBase, retryOption.backoffCap)
		if t == nil {
			t = time.NewTimer(backOff)
			defer t.Stop()
		} else {
			t.Reset(backOff)
		}

		select {
		case <-ctx.Done():
			return errors.Trace(ctx.Err())
		case <-t.C:
		}
	}
}

// getBackoff returns an exponential backoff with full jitter, bounded by cap.
func getBackoff(try int, base, cap time.Duration) time.Duration {
	temp := math.Min(float64(cap), float64(base)*math.Exp2(float64(try))) / 2
	if temp <= 0 {
		return 0
	}
	sleep := temp + float64(rand.Int63n(int64(temp)+1))
	return time.Duration(math.Min(float64(cap), sleep))
}

func fmtTries(tries float64) string {
	if math.IsInf(tries, 1) {
		return "inf"
	}
	return strconv.FormatFloat(tries, 'f', 0, 64)
}
