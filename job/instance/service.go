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

package instance

import (
	"context"

	"github.com/pingcap/errors"
	"github.com/pingcap/shardjob/job/jobnode"
	"github.com/pingcap/shardjob/job/model"
	"github.com/pingcap/shardjob/job/registry"
	"github.com/pingcap/shardjob/job/server"
	"github.com/pingcap/shardjob/pkg/regcenter"
)

// Service maintains the instances/<id> nodes of one job.
type Service struct {
	jobName  string
	storage  *jobnode.Storage
	registry *registry.Registry
	servers  *server.Service
}

// NewService creates the instance service of a job.
func NewService(center regcenter.Center, reg *registry.Registry, jobName string) *Service {
	return &Service{
		jobName:  jobName,
		storage:  jobnode.NewStorage(center, jobName),
		registry: reg,
		servers:  server.NewService(center, reg, jobName),
	}
}

func (s *Service) localInstanceID() model.JobInstanceID {
	instance, _ := s.registry.GetJobInstance(s.jobName)
	return instance.ID
}

// PersistOnline registers the local instance with an ephemeral node.
func (s *Service) PersistOnline(ctx context.Context) error {
	return errors.Trace(s.storage.FillEphemeralJobNode(ctx, jobnode.InstanceNode(s.localInstanceID()), ""))
}

// RemoveInstance deletes the node of the local instance.
func (s *Service) RemoveInstance(ctx context.Context) error {
	return errors.Trace(s.storage.RemoveJobNodeIfExisted(ctx, jobnode.InstanceNode(s.localInstanceID())))
}

// ClearTriggerFlag resets the local instance node after a trigger was consumed.
func (s *Service) ClearTriggerFlag(ctx context.Context) error {
	return errors.Trace(s.storage.UpdateJobNode(ctx, jobnode.InstanceNode(s.localInstanceID()), ""))
}

// GetAvailableJobInstances returns the online instances living on enabled hosts.
func (s *Service) GetAvailableJobInstances(ctx context.Context) ([]model.JobInstance, error) {
	ids, err := s.storage.GetJobNodeChildrenKeys(ctx, jobnode.InstancesNode)
	if err != nil {
		return nil, errors.Trace(err)
	}
	result := make([]model.JobInstance, 0, len(ids))
	for _, id := range ids {
		enabled, err := s.servers.IsEnableServer(ctx, model.IPOfInstanceID(id))
		if err != nil {
			return nil, errors.Trace(err)
		}
		if enabled {
			result = append(result, model.JobInstance{ID: id})
		}
	}
	return result, nil
}

// IsLocalJobInstanceExisted checks whether the node of the local instance exists.
func (s *Service) IsLocalJobInstanceExisted(ctx context.Context) (bool, error) {
	ok, err := s.storage.IsJobNodeExisted(ctx, jobnode.InstanceNode(s.localInstanceID()))
	return ok, errors.Trace(err)
}

// TriggerAllInstances asks every online instance to run the job at once.
func (s *Service) TriggerAllInstances(ctx context.Context) error {
	ids, err := s.storage.GetJobNodeChildrenKeys(ctx, jobnode.InstancesNode)
	if err != nil {
		return errors.Trace(err)
	}
	for _, id := range ids {
		if err := s.storage.UpdateJobNode(ctx, jobnode.InstanceNode(id), jobnode.InstanceTrigger); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}
