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

package errors

import (
	"context"

	"github.com/pingcap/errors"
)

// WrapError generates a new error based on given `*errors.Error`, wraps the err
// as cause error.
// If given `err` is nil, returns a nil error, which a the different behavior
// against `Wrap` function in pingcap/errors.
func WrapError(rfcError *errors.Error, err error, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return rfcError.Wrap(err).GenWithStackByCause(args...)
}

// IsRetryableError check the error is safe or worth to retry
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	switch errors.Cause(err) {
	case context.Canceled, context.DeadlineExceeded:
		return false
	}
	return !IsConfigurationError(err)
}

// IsContextCanceled reports whether the operation was interrupted by a
// cancelled context. Interruption is a cooperative shutdown signal and must
// never be surfaced as a failure.
func IsContextCanceled(err error) bool {
	return errors.Cause(err) == context.Canceled
}

// IsConfigurationError reports whether err is fatal at startup.
func IsConfigurationError(err error) bool {
	for _, e := range []*errors.Error{
		ErrJobConfigInvalid, ErrJobConfigConflict, ErrServerConfigInvalid,
	} {
		if Is(err, e) {
			return true
		}
	}
	return false
}

// IsTransientStoreError reports whether err comes from a registry center
// operation that may succeed at the next trigger.
func IsTransientStoreError(err error) bool {
	for _, e := range []*errors.Error{
		ErrRegistryCenter, ErrRegistryTxnConflict, ErrEtcdAPIError,
		ErrEtcdTryAgain, ErrEtcdSessionDone, ErrEtcdWatchClosed,
	} {
		if Is(err, e) {
			return true
		}
	}
	return false
}

// Is reports whether rfcError is err or one of its causes. Unlike Equal it
// also finds an error that has been wrapped with a cause.
func Is(err error, rfcError *errors.Error) bool {
	for err != nil {
		if e, ok := err.(*errors.Error); ok && e.RFCCode() == rfcError.RFCCode() {
			return true
		}
		causer, ok := err.(interface{ Cause() error })
		if !ok {
			return false
		}
		err = causer.Cause()
	}
	return false
}
