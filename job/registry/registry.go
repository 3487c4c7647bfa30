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

package registry

import (
	"sync"

	"github.com/pingcap/log"
	"github.com/pingcap/shardjob/job/model"
	"go.uber.org/zap"
)

// ScheduleController is the local trigger of a job.
type ScheduleController interface {
	// TriggerJob runs the job once as soon as possible.
	TriggerJob()
	PauseJob()
	ResumeJob()
	IsPaused() bool
	Shutdown()
}

type jobEntry struct {
	instance           model.JobInstance
	controller         ScheduleController
	shardingTotalCount int
	running            bool
}

// Registry holds the per job state of this process. It is safe for
// concurrent use.
type Registry struct {
	mu   sync.RWMutex
	jobs map[string]*jobEntry
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{jobs: make(map[string]*jobEntry)}
}

// RegisterJob adds the local instance of jobName. A job registered again is
// revived with fresh state.
func (r *Registry) RegisterJob(jobName string, instance model.JobInstance) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[jobName] = &jobEntry{instance: instance}
	log.Info("job registered",
		zap.String("job", jobName), zap.String("instance", instance.ID))
}

// SetScheduleController binds the trigger of a registered job.
func (r *Registry) SetScheduleController(jobName string, controller ScheduleController) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.jobs[jobName]; ok {
		entry.controller = controller
	}
}

// GetScheduleController returns the trigger of a job, nil if unknown.
func (r *Registry) GetScheduleController(jobName string) ScheduleController {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if entry, ok := r.jobs[jobName]; ok {
		return entry.controller
	}
	return nil
}

// GetJobInstance returns the local instance of a job.
func (r *Registry) GetJobInstance(jobName string) (model.JobInstance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if entry, ok := r.jobs[jobName]; ok {
		return entry.instance, true
	}
	return model.JobInstance{}, false
}

// SetCurrentShardingTotalCount records the sharding total count known locally.
func (r *Registry) SetCurrentShardingTotalCount(jobName string, count int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.jobs[jobName]; ok {
		entry.shardingTotalCount = count
	}
}

// GetCurrentShardingTotalCount returns 0 for an unknown job.
func (r *Registry) GetCurrentShardingTotalCount(jobName string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if entry, ok := r.jobs[jobName]; ok {
		return entry.shardingTotalCount
	}
	return 0
}

// SetJobRunning marks whether shards of the job are executing locally.
func (r *Registry) SetJobRunning(jobName string, running bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.jobs[jobName]; ok {
		entry.running = running
	}
}

// IsJobRunning returns whether shards of the job are executing locally.
func (r *Registry) IsJobRunning(jobName string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if entry, ok := r.jobs[jobName]; ok {
		return entry.running
	}
	return false
}

// IsShutdown returns true if the job is not registered or has been shut down.
func (r *Registry) IsShutdown(jobName string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.jobs[jobName]
	return !ok
}

// Shutdown stops the trigger of a job and drops its state.
func (r *Registry) Shutdown(jobName string) {
	r.mu.Lock()
	entry, ok := r.jobs[jobName]
	delete(r.jobs, jobName)
	r.mu.Unlock()
	if !ok {
		return
	}
	if entry.controller != nil {
		entry.controller.Shutdown()
	}
	log.Info("job shutdown in registry", zap.String("job", jobName))
}

// Jobs returns the names of all registered jobs.
func (r *Registry) Jobs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.jobs))
	for name := range r.jobs {
		names = append(names, name)
	}
	return names
}
