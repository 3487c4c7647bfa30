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

package failover

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	crashedCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "shardjob",
			Subsystem: "failover",
			Name:      "crashed_item_count",
			Help:      "The number of sharding items marked crashed.",
		}, []string{"job"})

	failoverCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "shardjob",
			Subsystem: "failover",
			Name:      "take_over_count",
			Help:      "The number of sharding items taken over by the local instance.",
		}, []string{"job"})
)

// InitMetrics registers all metrics in this file.
func InitMetrics(registry *prometheus.Registry) {
	registry.MustRegister(crashedCounter)
	registry.MustRegister(failoverCounter)
}
