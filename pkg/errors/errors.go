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
	"github.com/pingcap/errors"
)

// errors
var (
	// configuration related errors
	ErrJobConfigInvalid = errors.Normalize(
		"job configuration is invalid, %s",
		errors.RFCCodeText("ShardJob:ErrJobConfigInvalid"),
	)
	ErrJobConfigNotFound = errors.Normalize(
		"job configuration not found, job: %s",
		errors.RFCCodeText("ShardJob:ErrJobConfigNotFound"),
	)
	ErrJobConfigConflict = errors.Normalize(
		"job configuration conflicts with the one in registry center, job: %s, %s",
		errors.RFCCodeText("ShardJob:ErrJobConfigConflict"),
	)
	ErrServerConfigInvalid = errors.Normalize(
		"server configuration is invalid, %s",
		errors.RFCCodeText("ShardJob:ErrServerConfigInvalid"),
	)
	ErrDecodeFailed = errors.Normalize(
		"decode failed: %s",
		errors.RFCCodeText("ShardJob:ErrDecodeFailed"),
	)
	ErrEncodeFailed = errors.Normalize(
		"encode failed: %s",
		errors.RFCCodeText("ShardJob:ErrEncodeFailed"),
	)

	// environment related errors
	ErrTimeDiffIntolerable = errors.Normalize(
		"time different between job server and register center exceed %d seconds, max time different is %d seconds",
		errors.RFCCodeText("ShardJob:ErrTimeDiffIntolerable"),
	)
	ErrGetLocalIP = errors.Normalize(
		"cannot determine local ip address",
		errors.RFCCodeText("ShardJob:ErrGetLocalIP"),
	)

	// coordination errors
	ErrGuaranteeTimeout = errors.Normalize(
		"job %s is not %s in all sharding items within %s",
		errors.RFCCodeText("ShardJob:ErrGuaranteeTimeout"),
	)
	ErrJobNotRegistered = errors.Normalize(
		"job %s is not registered in job registry",
		errors.RFCCodeText("ShardJob:ErrJobNotRegistered"),
	)

	// registry center errors
	ErrRegistryCenter = errors.Normalize(
		"registry center operation failed, path: %s",
		errors.RFCCodeText("ShardJob:ErrRegistryCenter"),
	)
	ErrRegistryTxnConflict = errors.Normalize(
		"registry center transaction conflicted",
		errors.RFCCodeText("ShardJob:ErrRegistryTxnConflict"),
	)
	ErrRegistryClosed = errors.Normalize(
		"registry center has been closed",
		errors.RFCCodeText("ShardJob:ErrRegistryClosed"),
	)
	ErrEtcdAPIError = errors.Normalize(
		"etcd api call error",
		errors.RFCCodeText("ShardJob:ErrEtcdAPIError"),
	)
	ErrEtcdTryAgain = errors.Normalize(
		"the etcd txn should be aborted and retried immediately",
		errors.RFCCodeText("ShardJob:ErrEtcdTryAgain"),
	)
	ErrEtcdSessionDone = errors.Normalize(
		"the etcd session is done",
		errors.RFCCodeText("ShardJob:ErrEtcdSessionDone"),
	)
	ErrEtcdWatchClosed = errors.Normalize(
		"etcd watch channel closed unexpectedly, prefix: %s",
		errors.RFCCodeText("ShardJob:ErrEtcdWatchClosed"),
	)

	// execution errors
	ErrJobItemExecute = errors.Normalize(
		"job %s sharding item %d execute failed",
		errors.RFCCodeText("ShardJob:ErrJobItemExecute"),
	)
	ErrJobItemPanic = errors.Normalize(
		"job %s sharding item %d panicked: %v",
		errors.RFCCodeText("ShardJob:ErrJobItemPanic"),
	)
	ErrReachMaxTry = errors.Normalize(
		"reach maximum try: %s, error: %s",
		errors.RFCCodeText("ShardJob:ErrReachMaxTry"),
	)

	// cli errors
	ErrCliInvalidArgument = errors.Normalize(
		"invalid argument: %s",
		errors.RFCCodeText("ShardJob:ErrCliInvalidArgument"),
	)
)
