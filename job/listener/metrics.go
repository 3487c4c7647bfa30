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

package listener

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	listenerHandleDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "shardjob",
			Subsystem: "listener",
			Name:      "handle_duration_seconds",
			Help:      "Bucketed histogram of the time spent by a listener on one change.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 16),
		}, []string{"job", "listener"})

	listenerErrorCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "shardjob",
			Subsystem: "listener",
			Name:      "error_count",
			Help:      "The number of changes a listener failed to handle.",
		}, []string{"job", "listener"})
)

// InitMetrics registers all metrics in this file.
func InitMetrics(registry *prometheus.Registry) {
	registry.MustRegister(listenerHandleDuration)
	registry.MustRegister(listenerErrorCounter)
}
