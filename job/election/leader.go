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

package election

import (
	"context"
	"time"

	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"github.com/pingcap/shardjob/job/jobnode"
	"github.com/pingcap/shardjob/job/registry"
	"github.com/pingcap/shardjob/job/server"
	"github.com/pingcap/shardjob/pkg/regcenter"
	"go.uber.org/zap"
)

const waitLeaderInterval = 100 * time.Millisecond

// LeaderService elects and queries the leader of one job.
type LeaderService struct {
	jobName  string
	storage  *jobnode.Storage
	registry *registry.Registry
	servers  *server.Service
}

// NewLeaderService creates the leader service of a job.
func NewLeaderService(center regcenter.Center, reg *registry.Registry, jobName string) *LeaderService {
	return &LeaderService{
		jobName:  jobName,
		storage:  jobnode.NewStorage(center, jobName),
		registry: reg,
		servers:  server.NewService(center, reg, jobName),
	}
}

// ElectLeader takes the election latch and becomes the leader if there is
// none.
func (s *LeaderService) ElectLeader(ctx context.Context) error {
	log.Debug("elect a new leader now", zap.String("job", s.jobName))
	err := s.storage.ExecuteInLeader(ctx, jobnode.LeaderElectionLatchNode, func(ctx context.Context) error {
		hasLeader, err := s.HasLeader(ctx)
		if err != nil || hasLeader {
			return err
		}
		instance, ok := s.registry.GetJobInstance(s.jobName)
		if !ok {
			return nil
		}
		if err := s.storage.FillEphemeralJobNode(ctx, jobnode.LeaderElectionInstanceNode, instance.ID); err != nil {
			return errors.Trace(err)
		}
		electionCounter.WithLabelValues(s.jobName).Inc()
		log.Info("elected as leader",
			zap.String("job", s.jobName), zap.String("instance", instance.ID))
		return nil
	})
	return errors.Trace(err)
}

// IsLeaderUntilBlock waits until a leader exists, electing itself when the
// local server is available, and returns whether the local instance leads.
// It returns false immediately if no server is available, or once ctx is
// cancelled.
func (s *LeaderService) IsLeaderUntilBlock(ctx context.Context) (bool, error) {
	for {
		hasLeader, err := s.HasLeader(ctx)
		if err != nil {
			return false, errors.Trace(err)
		}
		if hasLeader {
			break
		}
		available, err := s.servers.HasAvailableServers(ctx)
		if err != nil {
			return false, errors.Trace(err)
		}
		if !available {
			break
		}
		log.Info("leader is electing, waiting", zap.String("job", s.jobName))
		select {
		case <-ctx.Done():
			return false, nil
		case <-time.After(waitLeaderInterval):
		}
		hasLeader, err = s.HasLeader(ctx)
		if err != nil {
			return false, errors.Trace(err)
		}
		if hasLeader {
			continue
		}
		instance, _ := s.registry.GetJobInstance(s.jobName)
		localAvailable, err := s.servers.IsAvailableServer(ctx, instance.IP())
		if err != nil {
			return false, errors.Trace(err)
		}
		if localAvailable {
			if err := s.ElectLeader(ctx); err != nil {
				return false, errors.Trace(err)
			}
		}
	}
	return s.IsLeader(ctx)
}

// IsLeader checks whether the local instance is the leader right now.
func (s *LeaderService) IsLeader(ctx context.Context) (bool, error) {
	instance, ok := s.registry.GetJobInstance(s.jobName)
	if !ok {
		return false, nil
	}
	leader, err := s.storage.GetJobNodeData(ctx, jobnode.LeaderElectionInstanceNode)
	if err != nil {
		return false, errors.Trace(err)
	}
	return leader == instance.ID, nil
}

// HasLeader checks whether the leader node exists.
func (s *LeaderService) HasLeader(ctx context.Context) (bool, error) {
	ok, err := s.storage.IsJobNodeExisted(ctx, jobnode.LeaderElectionInstanceNode)
	return ok, errors.Trace(err)
}

// RemoveLeader deletes the leader node, which triggers a new election.
func (s *LeaderService) RemoveLeader(ctx context.Context) error {
	return errors.Trace(s.storage.RemoveJobNodeIfExisted(ctx, jobnode.LeaderElectionInstanceNode))
}
