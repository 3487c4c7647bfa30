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

package sharding

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	reshardCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "shardjob",
			Subsystem: "sharding",
			Name:      "reshard_count",
			Help:      "The number of assignments published by the local leader.",
		}, []string{"job"})

	reshardDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "shardjob",
			Subsystem: "sharding",
			Name:      "reshard_duration_seconds",
			Help:      "Bucketed histogram of the time spent on one resharding, draining excluded.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 16),
		}, []string{"job"})

	misfireCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "shardjob",
			Subsystem: "sharding",
			Name:      "misfire_item_count",
			Help:      "The number of sharding items marked misfired.",
		}, []string{"job"})
)

// InitMetrics registers all metrics in this file.
func InitMetrics(registry *prometheus.Registry) {
	registry.MustRegister(reshardCounter)
	registry.MustRegister(reshardDuration)
	registry.MustRegister(misfireCounter)
}
