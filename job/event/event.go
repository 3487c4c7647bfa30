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

package event

import (
	"time"

	"github.com/google/uuid"
)

// ExecutionSource tells why a sharding item ran.
type ExecutionSource string

// All execution sources.
const (
	SourceNormalTrigger ExecutionSource = "NORMAL_TRIGGER"
	SourceMisfire       ExecutionSource = "MISFIRE"
	SourceFailover      ExecutionSource = "FAILOVER"
)

// State is the state of a task in a JobStatusTraceEvent.
type State string

// All task states.
const (
	StateTaskStaging  State = "TASK_STAGING"
	StateTaskRunning  State = "TASK_RUNNING"
	StateTaskFinished State = "TASK_FINISHED"
	StateTaskError    State = "TASK_ERROR"
)

// Event is anything posted to a Bus.
type Event interface {
	EventID() string
	Job() string
}

// JobExecutionEvent records the execution of one sharding item.
type JobExecutionEvent struct {
	ID           string          `json:"id"`
	IP           string          `json:"ip"`
	InstanceID   string          `json:"instanceId"`
	TaskID       string          `json:"taskId"`
	JobName      string          `json:"jobName"`
	Source       ExecutionSource `json:"source"`
	ShardingItem int             `json:"shardingItem"`
	StartTime    time.Time       `json:"startTime"`
	CompleteTime time.Time       `json:"completeTime,omitempty"`
	Success      bool            `json:"success"`
	FailureCause string          `json:"failureCause,omitempty"`
}

// NewJobExecutionEvent creates the event of an item that starts now.
func NewJobExecutionEvent(
	ip, instanceID, taskID, jobName string, source ExecutionSource, item int,
) *JobExecutionEvent {
	return &JobExecutionEvent{
		ID:           uuid.New().String(),
		IP:           ip,
		InstanceID:   instanceID,
		TaskID:       taskID,
		JobName:      jobName,
		Source:       source,
		ShardingItem: item,
		StartTime:    time.Now(),
	}
}

// ExecutionSuccess returns a copy of the event completed successfully.
func (e *JobExecutionEvent) ExecutionSuccess() *JobExecutionEvent {
	result := *e
	result.CompleteTime = time.Now()
	result.Success = true
	return &result
}

// ExecutionFailure returns a copy of the event completed with err.
func (e *JobExecutionEvent) ExecutionFailure(err error) *JobExecutionEvent {
	result := *e
	result.CompleteTime = time.Now()
	result.Success = false
	if err != nil {
		result.FailureCause = err.Error()
	}
	return &result
}

// EventID implements Event.
func (e *JobExecutionEvent) EventID() string { return e.ID }

// Job implements Event.
func (e *JobExecutionEvent) Job() string { return e.JobName }

// JobStatusTraceEvent records a state change of a task.
type JobStatusTraceEvent struct {
	ID            string          `json:"id"`
	JobName       string          `json:"jobName"`
	TaskID        string          `json:"taskId"`
	InstanceID    string          `json:"instanceId"`
	Source        ExecutionSource `json:"source"`
	ExecutionType string          `json:"executionType"`
	ShardingItems []int           `json:"shardingItems"`
	State         State           `json:"state"`
	Message       string          `json:"message"`
	CreationTime  time.Time       `json:"creationTime"`
}

// NewJobStatusTraceEvent creates a trace event happening now.
func NewJobStatusTraceEvent(
	jobName, taskID, instanceID string, source ExecutionSource,
	executionType string, items []int, state State, message string,
) *JobStatusTraceEvent {
	return &JobStatusTraceEvent{
		ID:            uuid.New().String(),
		JobName:       jobName,
		TaskID:        taskID,
		InstanceID:    instanceID,
		Source:        source,
		ExecutionType: executionType,
		ShardingItems: items,
		State:         state,
		Message:       message,
		CreationTime:  time.Now(),
	}
}

// EventID implements Event.
func (e *JobStatusTraceEvent) EventID() string { return e.ID }

// Job implements Event.
func (e *JobStatusTraceEvent) Job() string { return e.JobName }
