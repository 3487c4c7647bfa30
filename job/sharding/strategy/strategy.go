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
	"sort"
	"sync"

	"github.com/pingcap/log"
	"github.com/pingcap/shardjob/job/model"
	"go.uber.org/zap"
)

// Strategy assigns sharding items to job instances.
//
// Sharding must be deterministic: the same instances, job name and total
// count always produce the same result. Every item in [0, total) is assigned
// to exactly one of the given instances.
type Strategy interface {
	Sharding(instances []model.JobInstance, jobName string, shardingTotalCount int) map[model.JobInstanceID][]int
}

// Names of the built-in strategies.
const (
	AverageAllocation  = "AVG_ALLOCATION"
	OdevitySort        = "ODEVITY"
	RotateServerByName = "ROTATE"
)

var (
	mu         sync.RWMutex
	strategies = map[string]Strategy{
		AverageAllocation:  averageAllocationStrategy{},
		OdevitySort:        odevitySortStrategy{},
		RotateServerByName: rotateServerByNameStrategy{},
	}
)

// Register adds a strategy under name, replacing any existing one.
func Register(name string, s Strategy) {
	mu.Lock()
	defer mu.Unlock()
	strategies[name] = s
}

// Get returns the strategy registered under name. An empty or unknown name
// falls back to AVG_ALLOCATION.
func Get(name string) Strategy {
	mu.RLock()
	defer mu.RUnlock()
	if s, ok := strategies[name]; ok {
		return s
	}
	if name != "" {
		log.Warn("unknown sharding strategy, use default",
			zap.String("strategy", name), zap.String("default", AverageAllocation))
	}
	return strategies[AverageAllocation]
}

// Names returns the sorted names of all registered strategies.
func Names() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(strategies))
	for name := range strategies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
