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
	"github.com/prometheus/client_golang/prometheus"
)

var (
	eventPostedCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "shardjob",
			Subsystem: "event",
			Name:      "posted_count",
			Help:      "The number of job events queued for delivery.",
		}, []string{"job"})

	eventDroppedCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "shardjob",
			Subsystem: "event",
			Name:      "dropped_count",
			Help:      "The number of job events dropped because the queue is full.",
		}, []string{"job"})
)

// InitMetrics registers all metrics in this file.
func InitMetrics(registry *prometheus.Registry) {
	registry.MustRegister(eventPostedCounter)
	registry.MustRegister(eventDroppedCounter)
}
