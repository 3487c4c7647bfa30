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

package strategy

import (
	"github.com/pingcap/shardjob/job/model"
)

// jobNameHash returns the 31 based polynomial hash of name with int32
// overflow. It is stable across processes and releases.
func jobNameHash(name string) int32 {
	var h int32
	for _, r := range name {
		if r > 0xFFFF {
			// encode as a UTF-16 surrogate pair
			r -= 0x10000
			h = 31*h + int32(0xD800+(r>>10))
			h = 31*h + int32(0xDC00+(r&0x3FF))
			continue
		}
		h = 31*h + int32(r)
	}
	return h
}

// odevitySortStrategy keeps the instance order for jobs with an odd name
// hash and reverses it for even ones before averaging, so that jobs do not
// all land on the first instances.
type odevitySortStrategy struct{}

func (odevitySortStrategy) Sharding(
	instances []model.JobInstance, jobName string, shardingTotalCount int,
) map[model.JobInstanceID][]int {
	ordered := append([]model.JobInstance{}, instances...)
	if jobNameHash(jobName)%2 == 0 {
		for i, j := 0, len(ordered)-1; i < j; i, j = i+1, j-1 {
			ordered[i], ordered[j] = ordered[j], ordered[i]
		}
	}
	return averageAllocationStrategy{}.Sharding(ordered, jobName, shardingTotalCount)
}

// rotateServerByNameStrategy rotates the instance list by the job name hash
// before averaging.
type rotateServerByNameStrategy struct{}

func (rotateServerByNameStrategy) Sharding(
	instances []model.JobInstance, jobName string, shardingTotalCount int,
) map[model.JobInstanceID][]int {
	if len(instances) == 0 {
		return map[model.JobInstanceID][]int{}
	}
	hash := int64(jobNameHash(jobName))
	if hash < 0 {
		hash = -hash
	}
	offset := int(hash % int64(len(instances)))
	rotated := make([]model.JobInstance, 0, len(instances))
	rotated = append(rotated, instances[offset:]...)
	rotated = append(rotated, instances[:offset]...)
	return averageAllocationStrategy{}.Sharding(rotated, jobName, shardingTotalCount)
}
