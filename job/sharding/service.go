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
	"strconv"
	"time"

	"github.com/pingcap/errors"
	"github.com/pingcap/failpoint"
	"github.com/pingcap/log"
	"github.com/pingcap/shardjob/job/config"
	"github.com/pingcap/shardjob/job/election"
	"github.com/pingcap/shardjob/job/instance"
	"github.com/pingcap/shardjob/job/jobnode"
	"github.com/pingcap/shardjob/job/model"
	"github.com/pingcap/shardjob/job/registry"
	"github.com/pingcap/shardjob/job/server"
	"github.com/pingcap/shardjob/job/sharding/strategy"
	cerror "github.com/pingcap/shardjob/pkg/errors"
	"github.com/pingcap/shardjob/pkg/regcenter"
	"go.uber.org/zap"
)

const waitInterval = 100 * time.Millisecond

// Service computes and publishes the sharding assignment of one job.
type Service struct {
	jobName   string
	storage   *jobnode.Storage
	registry  *registry.Registry
	leader    *election.LeaderService
	servers   *server.Service
	instances *instance.Service
	execution *ExecutionService
	configs   *config.Service
}

// NewService creates the sharding service of a job.
func NewService(center regcenter.Center, reg *registry.Registry, jobName string) *Service {
	return &Service{
		jobName:   jobName,
		storage:   jobnode.NewStorage(center, jobName),
		registry:  reg,
		leader:    election.NewLeaderService(center, reg, jobName),
		servers:   server.NewService(center, reg, jobName),
		instances: instance.NewService(center, reg, jobName),
		execution: NewExecutionService(center, reg, jobName),
		configs:   config.NewService(center, jobName, nil),
	}
}

// SetReshardingFlag asks the leader to reshard before the next execution.
func (s *Service) SetReshardingFlag(ctx context.Context) error {
	return errors.Trace(s.storage.CreateJobNodeIfNeeded(ctx, jobnode.ShardingNecessaryNode))
}

// IsNeedSharding checks whether the resharding flag is set.
func (s *Service) IsNeedSharding(ctx context.Context) (bool, error) {
	ok, err := s.storage.IsJobNodeExisted(ctx, jobnode.ShardingNecessaryNode)
	return ok, errors.Trace(err)
}

// ShardingIfNecessary reshards the job if the flag is set. Only the leader
// computes the assignment, other instances wait until it is published.
func (s *Service) ShardingIfNecessary(ctx context.Context) error {
	availableInstances, err := s.instances.GetAvailableJobInstances(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	needSharding, err := s.IsNeedSharding(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	if !needSharding || len(availableInstances) == 0 {
		return nil
	}
	isLeader, err := s.leader.IsLeaderUntilBlock(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	if !isLeader {
		return s.blockUntilShardingCompleted(ctx)
	}
	if err := s.waitingOtherShardingItemCompleted(ctx); err != nil {
		return errors.Trace(err)
	}
	cfg, err := s.configs.Load(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	start := time.Now()
	shardingTotalCount := cfg.ShardingTotalCount
	log.Info("job sharding begin",
		zap.String("job", s.jobName), zap.Int("shardingTotalCount", shardingTotalCount),
		zap.Int("instances", len(availableInstances)))
	if err := s.storage.FillEphemeralJobNode(ctx, jobnode.ShardingProcessingNode, ""); err != nil {
		return errors.Trace(err)
	}
	if err := s.resetShardingInfo(ctx, shardingTotalCount); err != nil {
		s.removeProcessing(ctx)
		return errors.Trace(err)
	}
	assignment := strategy.Get(cfg.JobShardingStrategyType).Sharding(availableInstances, s.jobName, shardingTotalCount)
	if err := s.publish(ctx, assignment); err != nil {
		return errors.Trace(err)
	}
	reshardCounter.WithLabelValues(s.jobName).Inc()
	reshardDuration.WithLabelValues(s.jobName).Observe(time.Since(start).Seconds())
	log.Info("job sharding completed",
		zap.String("job", s.jobName), zap.Any("assignment", assignment),
		zap.Duration("duration", time.Since(start)))
	return nil
}

// publish writes every owner, clears the flag and the processing marker in
// one transaction. A failed commit keeps the previous assignment and the flag.
func (s *Service) publish(ctx context.Context, assignment map[model.JobInstanceID][]int) error {
	ops := []regcenter.Op{regcenter.CheckExistsOp(jobnode.ShardingProcessingNode)}
	for id, items := range assignment {
		for _, item := range items {
			ops = append(ops, regcenter.PutOp(jobnode.ShardingInstanceNode(item), id))
		}
	}
	ops = append(ops,
		regcenter.DeleteOp(jobnode.ShardingNecessaryNode),
		regcenter.DeleteOp(jobnode.ShardingProcessingNode))
	failpoint.Inject("ShardingPublishFailed", func() {
		failpoint.Return(cerror.ErrRegistryTxnConflict.GenWithStackByArgs())
	})
	err := s.storage.ExecuteInTransaction(ctx, ops...)
	if err != nil {
		s.removeProcessing(ctx)
	}
	return errors.Trace(err)
}

func (s *Service) blockUntilShardingCompleted(ctx context.Context) error {
	for {
		isLeader, err := s.leader.IsLeaderUntilBlock(ctx)
		if err != nil || isLeader {
			return errors.Trace(err)
		}
		necessary, err := s.storage.IsJobNodeExisted(ctx, jobnode.ShardingNecessaryNode)
		if err != nil {
			return errors.Trace(err)
		}
		processing, err := s.storage.IsJobNodeExisted(ctx, jobnode.ShardingProcessingNode)
		if err != nil {
			return errors.Trace(err)
		}
		if !necessary && !processing {
			return nil
		}
		log.Debug("sleep short time until sharding completed", zap.String("job", s.jobName))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(waitInterval):
		}
	}
}

// removeProcessing lets the followers and the next attempt start over after
// a failed sharding.
func (s *Service) removeProcessing(ctx context.Context) {
	if err := s.storage.RemoveJobNodeIfExisted(context.WithoutCancel(ctx), jobnode.ShardingProcessingNode); err != nil {
		log.Warn("remove sharding processing node failed",
			zap.String("job", s.jobName), zap.Error(err))
	}
}

// waitingOtherShardingItemCompleted blocks while any item is still running,
// so that no running item changes its owner.
func (s *Service) waitingOtherShardingItemCompleted(ctx context.Context) error {
	for {
		running, err := s.execution.HasRunningItemsAll(ctx)
		if err != nil || !running {
			return errors.Trace(err)
		}
		log.Debug("sleep short time until other job completed", zap.String("job", s.jobName))
		select {
		case <-ctx.Done():
			return errors.Trace(ctx.Err())
		case <-time.After(waitInterval):
		}
	}
}

func (s *Service) resetShardingInfo(ctx context.Context, shardingTotalCount int) error {
	for i := 0; i < shardingTotalCount; i++ {
		if err := s.storage.CreateJobNodeIfNeeded(ctx, jobnode.ShardingItemNode(i)); err != nil {
			return errors.Trace(err)
		}
	}
	names, err := s.storage.GetJobNodeChildrenKeys(ctx, jobnode.ShardingNode)
	if err != nil {
		return errors.Trace(err)
	}
	for _, name := range names {
		item, err := strconv.Atoi(name)
		if err != nil || item < shardingTotalCount {
			continue
		}
		if err := s.storage.RemoveJobNodeIfExisted(ctx, jobnode.ShardingItemNode(item)); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

// GetShardingItems returns the items assigned to an instance, or nothing if
// its host is not available.
func (s *Service) GetShardingItems(ctx context.Context, instanceID model.JobInstanceID) ([]int, error) {
	available, err := s.servers.IsAvailableServer(ctx, model.IPOfInstanceID(instanceID))
	if err != nil || !available {
		return []int{}, errors.Trace(err)
	}
	return s.GetAssignedItems(ctx, instanceID)
}

// GetAssignedItems returns the items whose owner is instanceID regardless of
// the state of its host.
func (s *Service) GetAssignedItems(ctx context.Context, instanceID model.JobInstanceID) ([]int, error) {
	cfg, err := s.configs.Load(ctx)
	if err != nil {
		return nil, errors.Trace(err)
	}
	result := make([]int, 0)
	for i := 0; i < cfg.ShardingTotalCount; i++ {
		owner, err := s.storage.GetJobNodeData(ctx, jobnode.ShardingInstanceNode(i))
		if err != nil {
			return nil, errors.Trace(err)
		}
		if owner == instanceID {
			result = append(result, i)
		}
	}
	return result, nil
}

// GetLocalShardingItems returns the items of the local instance.
func (s *Service) GetLocalShardingItems(ctx context.Context) ([]int, error) {
	if s.registry.IsShutdown(s.jobName) {
		return []int{}, nil
	}
	existed, err := s.instances.IsLocalJobInstanceExisted(ctx)
	if err != nil || !existed {
		return []int{}, errors.Trace(err)
	}
	local, _ := s.registry.GetJobInstance(s.jobName)
	return s.GetShardingItems(ctx, local.ID)
}

// HasShardingInfoInOfflineServers checks whether any item is owned by an
// instance that is not online.
func (s *Service) HasShardingInfoInOfflineServers(ctx context.Context) (bool, error) {
	ids, err := s.storage.GetJobNodeChildrenKeys(ctx, jobnode.InstancesNode)
	if err != nil {
		return false, errors.Trace(err)
	}
	online := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		online[id] = struct{}{}
	}
	cfg, err := s.configs.Load(ctx)
	if err != nil {
		return false, errors.Trace(err)
	}
	for i := 0; i < cfg.ShardingTotalCount; i++ {
		owner, err := s.storage.GetJobNodeData(ctx, jobnode.ShardingInstanceNode(i))
		if err != nil {
			return false, errors.Trace(err)
		}
		if _, ok := online[owner]; !ok {
			return true, nil
		}
	}
	return false, nil
}
