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
	"context"

	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"github.com/pingcap/shardjob/job/config"
	"github.com/pingcap/shardjob/job/jobnode"
	"github.com/pingcap/shardjob/job/model"
	"github.com/pingcap/shardjob/job/registry"
	"github.com/pingcap/shardjob/job/sharding"
	"github.com/pingcap/shardjob/pkg/regcenter"
	"go.uber.org/zap"
)

// Service marks crashed sharding items and hands them over to live instances.
type Service struct {
	jobName  string
	storage  *jobnode.Storage
	registry *registry.Registry
	sharding *sharding.Service
	configs  *config.Service
}

// NewService creates the failover service of a job.
func NewService(center regcenter.Center, reg *registry.Registry, jobName string) *Service {
	return &Service{
		jobName:  jobName,
		storage:  jobnode.NewStorage(center, jobName),
		registry: reg,
		sharding: sharding.NewService(center, reg, jobName),
		configs:  config.NewService(center, jobName, nil),
	}
}

// SetCrashedFailoverFlag marks item as waiting for failover unless it has
// been taken over already.
func (s *Service) SetCrashedFailoverFlag(ctx context.Context, item int) error {
	assigned, err := s.storage.IsJobNodeExisted(ctx, jobnode.ShardingFailoverNode(item))
	if err != nil || assigned {
		return errors.Trace(err)
	}
	if err := s.storage.CreateJobNodeIfNeeded(ctx, jobnode.FailoverItemNode(item)); err != nil {
		return errors.Trace(err)
	}
	crashedCounter.WithLabelValues(s.jobName).Inc()
	log.Info("sharding item marked crashed", zap.String("job", s.jobName), zap.Int("item", item))
	return nil
}

// FailoverIfNecessary takes over the lowest crashed item under the failover
// latch and triggers the local job at once. Nothing happens while the job is
// running locally.
func (s *Service) FailoverIfNecessary(ctx context.Context) error {
	need, err := s.needFailover(ctx)
	if err != nil || !need {
		return errors.Trace(err)
	}
	return errors.Trace(s.storage.ExecuteInLeader(ctx, jobnode.FailoverLatchNode, s.takeOver))
}

func (s *Service) takeOver(ctx context.Context) error {
	if s.registry.IsShutdown(s.jobName) {
		return nil
	}
	// another instance may have done it while we were waiting for the latch
	items, err := s.crashedItems(ctx)
	if err != nil || len(items) == 0 || s.registry.IsJobRunning(s.jobName) {
		return errors.Trace(err)
	}
	item := items[0]
	local, ok := s.registry.GetJobInstance(s.jobName)
	if !ok {
		return nil
	}
	log.Info("failover job begin",
		zap.String("job", s.jobName), zap.Int("item", item), zap.String("instance", local.ID))
	if err := s.storage.FillEphemeralJobNode(ctx, jobnode.ShardingFailoverNode(item), local.ID); err != nil {
		return errors.Trace(err)
	}
	if err := s.storage.RemoveJobNodeIfExisted(ctx, jobnode.FailoverItemNode(item)); err != nil {
		return errors.Trace(err)
	}
	failoverCounter.WithLabelValues(s.jobName).Inc()
	if controller := s.registry.GetScheduleController(s.jobName); controller != nil {
		controller.TriggerJob()
	}
	return nil
}

func (s *Service) needFailover(ctx context.Context) (bool, error) {
	items, err := s.crashedItems(ctx)
	if err != nil {
		return false, errors.Trace(err)
	}
	return len(items) > 0 && !s.registry.IsJobRunning(s.jobName), nil
}

// crashedItems returns the items waiting for failover in ascending order.
func (s *Service) crashedItems(ctx context.Context) ([]int, error) {
	names, err := s.storage.GetJobNodeChildrenKeys(ctx, jobnode.FailoverItemsNode)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return model.ParseItems(names), nil
}

// UpdateFailoverComplete releases the items taken over by the local instance.
func (s *Service) UpdateFailoverComplete(ctx context.Context, items []int) error {
	for _, item := range items {
		if err := s.storage.RemoveJobNodeIfExisted(ctx, jobnode.ShardingFailoverNode(item)); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

// GetFailoverItems returns the items taken over by instanceID.
func (s *Service) GetFailoverItems(ctx context.Context, instanceID model.JobInstanceID) ([]int, error) {
	cfg, err := s.configs.Load(ctx)
	if err != nil {
		return nil, errors.Trace(err)
	}
	result := make([]int, 0)
	for i := 0; i < cfg.ShardingTotalCount; i++ {
		owner, ok, err := s.storage.GetJobNodeDataIfExists(ctx, jobnode.ShardingFailoverNode(i))
		if err != nil {
			return nil, errors.Trace(err)
		}
		if ok && owner == instanceID {
			result = append(result, i)
		}
	}
	return result, nil
}

// GetLocalFailoverItems returns the items taken over by the local instance.
func (s *Service) GetLocalFailoverItems(ctx context.Context) ([]int, error) {
	local, ok := s.registry.GetJobInstance(s.jobName)
	if !ok {
		return []int{}, nil
	}
	return s.GetFailoverItems(ctx, local.ID)
}

// GetLocalTakeOffItems returns the local items that another instance has
// taken over, they must not run here.
func (s *Service) GetLocalTakeOffItems(ctx context.Context) ([]int, error) {
	items, err := s.sharding.GetLocalShardingItems(ctx)
	if err != nil {
		return nil, errors.Trace(err)
	}
	result := make([]int, 0)
	for _, item := range items {
		ok, err := s.storage.IsJobNodeExisted(ctx, jobnode.ShardingFailoverNode(item))
		if err != nil {
			return nil, errors.Trace(err)
		}
		if ok {
			result = append(result, item)
		}
	}
	return result, nil
}

// RemoveFailoverInfo drops every take-over marker of the job.
func (s *Service) RemoveFailoverInfo(ctx context.Context) error {
	names, err := s.storage.GetJobNodeChildrenKeys(ctx, jobnode.ShardingNode)
	if err != nil {
		return errors.Trace(err)
	}
	for _, item := range model.ParseItems(names) {
		if err := s.storage.RemoveJobNodeIfExisted(ctx, jobnode.ShardingFailoverNode(item)); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}
