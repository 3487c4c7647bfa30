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

package model

import (
	"os"
	"strconv"
	"strings"
)

// InstanceDelimiter separates the host and the token of an instance ID.
const InstanceDelimiter = "@-@"

// JobInstanceID is the type for job instance ID
type JobInstanceID = string

// JobInstance is one running process participating in a job.
type JobInstance struct {
	ID JobInstanceID `json:"jobInstanceId"`
}

// NewJobInstance creates the instance of this process on host ip.
func NewJobInstance(ip string) JobInstance {
	return NewJobInstanceWithToken(ip, strconv.Itoa(os.Getpid()))
}

// NewJobInstanceWithToken creates an instance with an explicit process token,
// so that several instances can live in one process.
func NewJobInstanceWithToken(ip, token string) JobInstance {
	return JobInstance{ID: ip + InstanceDelimiter + token}
}

// IP returns the host address of the instance.
func (i JobInstance) IP() string {
	return IPOfInstanceID(i.ID)
}

// IPOfInstanceID extracts the host address from an instance ID.
func IPOfInstanceID(id JobInstanceID) string {
	if idx := strings.Index(id, InstanceDelimiter); idx >= 0 {
		return id[:idx]
	}
	return id
}
