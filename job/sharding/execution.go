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
	"context"

	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"github.com/pingcap/shardjob/job/config"
	"github.com/pingcap/shardjob/job/jobnode"
	"github.com/pingcap/shardjob/job/model"
	"github.com/pingcap/shardjob/job/registry"
	"github.com/pingcap/shardjob/pkg/regcenter"
	"go.uber.org/zap"
)

// ExecutionService tracks the running and misfire marks of sharding items.
type ExecutionService struct {
	jobName  string
	storage  *jobnode.Storage
	registry *registry.Registry
	configs  *config.Service
}

// NewExecutionService creates the execution service of a job.
func NewExecutionService(center regcenter.Center, reg *registry.Registry, jobName string) *ExecutionService {
	return &ExecutionService{
		jobName:  jobName,
		storage:  jobnode.NewStorage(center, jobName),
		registry: reg,
		configs:  config.NewService(center, jobName, nil),
	}
}

// RegisterJobBegin marks the items of shardingContexts as running. On error
// the marks written so far are removed and the job is not flagged running.
func (s *ExecutionService) RegisterJobBegin(ctx context.Context, shardingContexts *model.ShardingContexts) error {
	items := shardingContexts.Items()
	if len(items) == 0 {
		return nil
	}
	cfg, err := s.configs.Load(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	if cfg.MonitorExecution {
		for i, item := range items {
			err := s.storage.FillEphemeralJobNode(ctx, jobnode.ShardingRunningNode(item), "")
			if err == nil {
				continue
			}
			if clearErr := s.ClearRunningInfo(context.WithoutCancel(ctx), items[:i]); clearErr != nil {
				log.Warn("remove running marks of a failed begin failed",
					zap.String("job", s.jobName), zap.Ints("items", items[:i]), zap.Error(clearErr))
			}
			return errors.Trace(err)
		}
	}
	s.registry.SetJobRunning(s.jobName, true)
	return nil
}

// RegisterJobCompleted removes the running marks of shardingContexts.
func (s *ExecutionService) RegisterJobCompleted(ctx context.Context, shardingContexts *model.ShardingContexts) error {
	s.registry.SetJobRunning(s.jobName, false)
	return s.ClearRunningInfo(ctx, shardingContexts.Items())
}

// ClearAllRunningInfo removes the running marks of every item.
func (s *ExecutionService) ClearAllRunningInfo(ctx context.Context) error {
	items, err := s.getAllItems(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	return s.ClearRunningInfo(ctx, items)
}

// ClearRunningInfo removes the running marks of items.
func (s *ExecutionService) ClearRunningInfo(ctx context.Context, items []int) error {
	for _, item := range items {
		if err := s.storage.RemoveJobNodeIfExisted(ctx, jobnode.ShardingRunningNode(item)); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

// HasRunningItems checks whether any of items is running. It is always false
// when execution monitoring is off.
func (s *ExecutionService) HasRunningItems(ctx context.Context, items []int) (bool, error) {
	cfg, err := s.configs.Load(ctx)
	if err != nil {
		return false, errors.Trace(err)
	}
	if !cfg.MonitorExecution {
		return false, nil
	}
	for _, item := range items {
		ok, err := s.storage.IsJobNodeExisted(ctx, jobnode.ShardingRunningNode(item))
		if err != nil {
			return false, errors.Trace(err)
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// HasRunningItemsAll checks whether any item of the job is running.
func (s *ExecutionService) HasRunningItemsAll(ctx context.Context) (bool, error) {
	items, err := s.getAllItems(ctx)
	if err != nil {
		return false, errors.Trace(err)
	}
	return s.HasRunningItems(ctx, items)
}

// GetAllRunningItems returns every item carrying a running mark.
func (s *ExecutionService) GetAllRunningItems(ctx context.Context) ([]int, error) {
	items, err := s.getAllItems(ctx)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return s.filterItems(ctx, items, jobnode.ShardingRunningNode)
}

// MisfireIfHasRunningItems marks items misfired if any of them is still
// running, and reports whether it did.
func (s *ExecutionService) MisfireIfHasRunningItems(ctx context.Context, items []int) (bool, error) {
	running, err := s.HasRunningItems(ctx, items)
	if err != nil || !running {
		return false, errors.Trace(err)
	}
	return true, errors.Trace(s.SetMisfire(ctx, items))
}

// SetMisfire marks items misfired.
func (s *ExecutionService) SetMisfire(ctx context.Context, items []int) error {
	for _, item := range items {
		if err := s.storage.CreateJobNodeIfNeeded(ctx, jobnode.ShardingMisfireNode(item)); err != nil {
			return errors.Trace(err)
		}
	}
	if len(items) > 0 {
		misfireCounter.WithLabelValues(s.jobName).Add(float64(len(items)))
	}
	return nil
}

// GetMisfiredJobItems returns the misfired ones of items.
func (s *ExecutionService) GetMisfiredJobItems(ctx context.Context, items []int) ([]int, error) {
	return s.filterItems(ctx, items, jobnode.ShardingMisfireNode)
}

// ClearMisfire removes the misfire marks of items.
func (s *ExecutionService) ClearMisfire(ctx context.Context, items []int) error {
	for _, item := range items {
		if err := s.storage.RemoveJobNodeIfExisted(ctx, jobnode.ShardingMisfireNode(item)); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

// GetDisabledItems returns the disabled ones of items.
func (s *ExecutionService) GetDisabledItems(ctx context.Context, items []int) ([]int, error) {
	return s.filterItems(ctx, items, jobnode.ShardingDisabledNode)
}

func (s *ExecutionService) filterItems(ctx context.Context, items []int, node func(int) string) ([]int, error) {
	result := make([]int, 0, len(items))
	for _, item := range items {
		ok, err := s.storage.IsJobNodeExisted(ctx, node(item))
		if err != nil {
			return nil, errors.Trace(err)
		}
		if ok {
			result = append(result, item)
		}
	}
	return result, nil
}

func (s *ExecutionService) getAllItems(ctx context.Context) ([]int, error) {
	cfg, err := s.configs.Load(ctx)
	if err != nil {
		return nil, errors.Trace(err)
	}
	items := make([]int, 0, cfg.ShardingTotalCount)
	for i := 0; i < cfg.ShardingTotalCount; i++ {
		items = append(items, i)
	}
	return items, nil
}
