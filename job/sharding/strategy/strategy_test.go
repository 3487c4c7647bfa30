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
	"math"
	"testing"

	"github.com/pingcap/shardjob/job/model"
	"github.com/stretchr/testify/require"
)

func instancesOf(ids ...string) []model.JobInstance {
	result := make([]model.JobInstance, 0, len(ids))
	for _, id := range ids {
		result = append(result, model.JobInstance{ID: id})
	}
	return result
}

func TestAverageAllocation(t *testing.T) {
	t.Parallel()

	s := Get(AverageAllocation)
	instances := instancesOf("h1@-@0", "h2@-@0", "h3@-@0")
	testCases := []struct {
		total    int
		expected map[string][]int
	}{
		{9, map[string][]int{"h1@-@0": {0, 1, 2}, "h2@-@0": {3, 4, 5}, "h3@-@0": {6, 7, 8}}},
		{8, map[string][]int{"h1@-@0": {0, 1, 6}, "h2@-@0": {2, 3, 7}, "h3@-@0": {4, 5}}},
		{10, map[string][]int{"h1@-@0": {0, 1, 2, 9}, "h2@-@0": {3, 4, 5}, "h3@-@0": {6, 7, 8}}},
		{2, map[string][]int{"h1@-@0": {0}, "h2@-@0": {1}, "h3@-@0": {}}},
	}
	for _, tc := range testCases {
		result := s.Sharding(instances, "demo", tc.total)
		require.Len(t, result, len(tc.expected))
		for id, items := range tc.expected {
			require.ElementsMatch(t, items, result[id], "total %d id %s", tc.total, id)
		}
	}
	require.Empty(t, s.Sharding(nil, "demo", 3))
}

func TestJobNameHash(t *testing.T) {
	t.Parallel()

	require.Equal(t, int32(99162322), jobNameHash("hello"))
	require.Equal(t, int32(0), jobNameHash(""))
	require.Equal(t, int32(math.MinInt32), jobNameHash("polygenelubricants"))
}

func TestOdevitySort(t *testing.T) {
	t.Parallel()

	s := Get(OdevitySort)
	instances := instancesOf("h1@-@0", "h2@-@0", "h3@-@0")
	// odd hash keeps the order
	require.Equal(t, int32(1), jobNameHash("demo")%2)
	result := s.Sharding(instances, "demo", 2)
	require.Equal(t, []int{0}, result["h1@-@0"])
	require.Equal(t, []int{1}, result["h2@-@0"])
	require.Empty(t, result["h3@-@0"])

	// even hash reverses it
	require.Equal(t, int32(0), jobNameHash("hello")%2)
	result = s.Sharding(instances, "hello", 2)
	require.Equal(t, []int{0}, result["h3@-@0"])
	require.Equal(t, []int{1}, result["h2@-@0"])
	require.Empty(t, result["h1@-@0"])
	// the input is not modified
	require.Equal(t, instancesOf("h1@-@0", "h2@-@0", "h3@-@0"), instances)
}

func TestRotateServerByName(t *testing.T) {
	t.Parallel()

	s := Get(RotateServerByName)
	instances := instancesOf("h1@-@0", "h2@-@0", "h3@-@0")
	// 99162322 % 3 == 1
	result := s.Sharding(instances, "hello", 3)
	require.Equal(t, []int{0}, result["h2@-@0"])
	require.Equal(t, []int{1}, result["h3@-@0"])
	require.Equal(t, []int{2}, result["h1@-@0"])

	// abs of MinInt32 does not overflow
	result = s.Sharding(instances, "polygenelubricants", 3)
	total := 0
	for _, items := range result {
		total += len(items)
	}
	require.Equal(t, 3, total)
	require.Empty(t, s.Sharding(nil, "hello", 3))
}

func TestStrategiesPartitionItems(t *testing.T) {
	t.Parallel()

	instances := instancesOf("a@-@1", "b@-@1", "c@-@1", "d@-@1")
	for _, name := range Names() {
		for total := 1; total <= 17; total++ {
			first := Get(name).Sharding(instances, "partition-job", total)
			second := Get(name).Sharding(instances, "partition-job", total)
			require.Equal(t, first, second, "strategy %s is not deterministic", name)

			seen := make(map[int]bool)
			for id, items := range first {
				require.Contains(t, []string{"a@-@1", "b@-@1", "c@-@1", "d@-@1"}, id)
				for _, item := range items {
					require.False(t, seen[item], "item %d assigned twice", item)
					seen[item] = true
				}
			}
			require.Len(t, seen, total)
		}
	}
}

func TestGetFallback(t *testing.T) {
	t.Parallel()

	require.IsType(t, averageAllocationStrategy{}, Get(""))
	require.IsType(t, averageAllocationStrategy{}, Get("NO_SUCH_STRATEGY"))
	require.Equal(t, []string{AverageAllocation, OdevitySort, RotateServerByName}, Names()[:3])
}
