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

// averageAllocationStrategy splits items into contiguous blocks and hands the
// remainder to the first instances one by one.
//
// 9 items on 3 instances: [0,1,2], [3,4,5], [6,7,8]
// 8 items on 3 instances: [0,1,6], [2,3,7], [4,5]
// 10 items on 3 instances: [0,1,2,9], [3,4,5], [6,7,8]
type averageAllocationStrategy struct{}

func (averageAllocationStrategy) Sharding(
	instances []model.JobInstance, _ string, shardingTotalCount int,
) map[model.JobInstanceID][]int {
	result := make(map[model.JobInstanceID][]int, len(instances))
	if len(instances) == 0 {
		return result
	}
	itemCountPerInstance := shardingTotalCount / len(instances)
	for i, instance := range instances {
		items := make([]int, 0, itemCountPerInstance+1)
		for j := i * itemCountPerInstance; j < (i+1)*itemCountPerInstance; j++ {
			items = append(items, j)
		}
		result[instance.ID] = items
	}
	for i, item := 0, itemCountPerInstance*len(instances); item < shardingTotalCount; i, item = i+1, item+1 {
		id := instances[i].ID
		result[id] = append(result[id], item)
	}
	return result
}
