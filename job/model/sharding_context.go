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
	"sort"
	"strconv"
	"strings"
)

// ExecutionType tells whether the contexts come from a normal assignment or
// a failover take-over.
type ExecutionType string

// All execution types.
const (
	ExecutionReady    ExecutionType = "READY"
	ExecutionFailover ExecutionType = "FAILOVER"
)

// ShardingContexts is the set of sharding items one instance runs in a cycle.
type ShardingContexts struct {
	TaskID                 string         `json:"taskId"`
	JobName                string         `json:"jobName"`
	ShardingTotalCount     int            `json:"shardingTotalCount"`
	JobParameter           string         `json:"jobParameter"`
	ShardingItemParameters map[int]string `json:"shardingItemParameters"`
	JobEventSamplingCount  int            `json:"jobEventSamplingCount"`
	CurrentJobEventCount   int            `json:"currentJobEventSamplingCount"`
}

// NewShardingContexts creates the contexts of items.
func NewShardingContexts(
	instanceID JobInstanceID, executionType ExecutionType,
	jobName string, totalCount int, jobParameter string,
	itemParameters map[int]string, items []int,
) *ShardingContexts {
	params := make(map[int]string, len(items))
	for _, item := range items {
		params[item] = itemParameters[item]
	}
	return &ShardingContexts{
		TaskID:                 buildTaskID(jobName, items, executionType, instanceID),
		JobName:                jobName,
		ShardingTotalCount:     totalCount,
		JobParameter:           jobParameter,
		ShardingItemParameters: params,
	}
}

func buildTaskID(jobName string, items []int, executionType ExecutionType, instanceID JobInstanceID) string {
	return strings.Join([]string{jobName, JoinItems(items), string(executionType), instanceID}, InstanceDelimiter)
}

// TaskInfo is the content of a task ID.
type TaskInfo struct {
	JobName       string
	Items         []int
	ExecutionType ExecutionType
	InstanceID    JobInstanceID
}

// ParseTaskID splits a task ID built by NewShardingContexts. Missing parts
// are left empty.
func ParseTaskID(taskID string) TaskInfo {
	parts := strings.SplitN(taskID, InstanceDelimiter, 4)
	info := TaskInfo{JobName: parts[0], Items: []int{}}
	if len(parts) > 1 && parts[1] != "" {
		info.Items = ParseItems(strings.Split(parts[1], ","))
	}
	if len(parts) > 2 {
		info.ExecutionType = ExecutionType(parts[2])
	}
	if len(parts) > 3 {
		info.InstanceID = parts[3]
	}
	return info
}

// Items returns the sharding items in ascending order.
func (s *ShardingContexts) Items() []int {
	items := make([]int, 0, len(s.ShardingItemParameters))
	for item := range s.ShardingItemParameters {
		items = append(items, item)
	}
	sort.Ints(items)
	return items
}

// IsEmpty returns true if there is nothing to run.
func (s *ShardingContexts) IsEmpty() bool {
	return len(s.ShardingItemParameters) == 0
}

// ShardingContext is the context handed to user code for one item.
type ShardingContext struct {
	JobName            string
	TaskID             string
	ShardingTotalCount int
	JobParameter       string
	ShardingItem       int
	ShardingParameter  string
}

// ContextOf returns the context of one item.
func (s *ShardingContexts) ContextOf(item int) ShardingContext {
	return ShardingContext{
		JobName:            s.JobName,
		TaskID:             s.TaskID,
		ShardingTotalCount: s.ShardingTotalCount,
		JobParameter:       s.JobParameter,
		ShardingItem:       item,
		ShardingParameter:  s.ShardingItemParameters[item],
	}
}

// ParseItemParameters parses "0=a,1=b" into a map. Malformed pairs are
// reported through the returned error.
func ParseItemParameters(value string) (map[int]string, error) {
	result := make(map[int]string)
	if strings.TrimSpace(value) == "" {
		return result, nil
	}
	for _, pair := range strings.Split(value, ",") {
		kv := strings.SplitN(strings.TrimSpace(pair), "=", 2)
		if len(kv) != 2 {
			return nil, &ItemParameterError{Pair: pair}
		}
		item, err := strconv.Atoi(strings.TrimSpace(kv[0]))
		if err != nil || item < 0 {
			return nil, &ItemParameterError{Pair: pair}
		}
		result[item] = strings.TrimSpace(kv[1])
	}
	return result, nil
}

// ItemParameterError is returned for a malformed item parameter pair.
type ItemParameterError struct {
	Pair string
}

func (e *ItemParameterError) Error() string {
	return "sharding item parameter '" + e.Pair + "' format error, it should be 'int=xx'"
}

// JoinItems formats items as "0,1,2".
func JoinItems(items []int) string {
	parts := make([]string, 0, len(items))
	for _, item := range items {
		parts = append(parts, strconv.Itoa(item))
	}
	return strings.Join(parts, ",")
}

// ParseItems converts child node names to items, skipping non-numeric ones,
// and sorts them.
func ParseItems(names []string) []int {
	items := make([]int, 0, len(names))
	for _, name := range names {
		item, err := strconv.Atoi(name)
		if err != nil {
			continue
		}
		items = append(items, item)
	}
	sort.Ints(items)
	return items
}

// RemoveItems returns items not in removed, keeping the order.
func RemoveItems(items []int, removed []int) []int {
	if len(removed) == 0 {
		return items
	}
	drop := make(map[int]struct{}, len(removed))
	for _, item := range removed {
		drop[item] = struct{}{}
	}
	result := make([]int, 0, len(items))
	for _, item := range items {
		if _, ok := drop[item]; !ok {
			result = append(result, item)
		}
	}
	return result
}
