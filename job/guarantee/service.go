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

package guarantee

import (
	"context"

	"github.com/pingcap/errors"
	"github.com/pingcap/shardjob/job/config"
	"github.com/pingcap/shardjob/job/jobnode"
	"github.com/pingcap/shardjob/pkg/regcenter"
)

// Service keeps the started and completed sets of the current execution.
type Service struct {
	storage *jobnode.Storage
	configs *config.Service
}

// NewService creates the guarantee service of a job.
func NewService(center regcenter.Center, jobName string) *Service {
	return &Service{
		storage: jobnode.NewStorage(center, jobName),
		configs: config.NewService(center, jobName, nil),
	}
}

// RegisterStart reports that items have started.
func (s *Service) RegisterStart(ctx context.Context, items []int) error {
	return s.register(ctx, items, jobnode.GuaranteeStartedItemNode)
}

// IsAllStarted checks whether every item of the job has started.
func (s *Service) IsAllStarted(ctx context.Context) (bool, error) {
	return s.isAll(ctx, jobnode.GuaranteeStartedNode)
}

// ClearAllStartedInfo resets the started set.
func (s *Service) ClearAllStartedInfo(ctx context.Context) error {
	return errors.Trace(s.storage.RemoveJobNodeIfExisted(ctx, jobnode.GuaranteeStartedNode))
}

// RegisterComplete reports that items have completed.
func (s *Service) RegisterComplete(ctx context.Context, items []int) error {
	return s.register(ctx, items, jobnode.GuaranteeCompletedItemNode)
}

// IsAllCompleted checks whether every item of the job has completed.
func (s *Service) IsAllCompleted(ctx context.Context) (bool, error) {
	return s.isAll(ctx, jobnode.GuaranteeCompletedNode)
}

// ClearAllCompletedInfo resets the completed set.
func (s *Service) ClearAllCompletedInfo(ctx context.Context) error {
	return errors.Trace(s.storage.RemoveJobNodeIfExisted(ctx, jobnode.GuaranteeCompletedNode))
}

func (s *Service) register(ctx context.Context, items []int, node func(int) string) error {
	for _, item := range items {
		if err := s.storage.FillEphemeralJobNode(ctx, node(item), ""); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

func (s *Service) isAll(ctx context.Context, node string) (bool, error) {
	children, err := s.storage.GetJobNodeChildrenKeys(ctx, node)
	if err != nil || len(children) == 0 {
		return false, errors.Trace(err)
	}
	cfg, err := s.configs.Load(ctx)
	if err != nil {
		return false, errors.Trace(err)
	}
	return len(children) == cfg.ShardingTotalCount, nil
}

func (s *Service) isCleared(ctx context.Context, node string) (bool, error) {
	children, err := s.storage.GetJobNodeChildrenKeys(ctx, node)
	return len(children) == 0, errors.Trace(err)
}
