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

package server

import (
	"context"
	"strings"

	"github.com/pingcap/errors"
	"github.com/pingcap/shardjob/job/jobnode"
	"github.com/pingcap/shardjob/job/model"
	"github.com/pingcap/shardjob/job/registry"
	"github.com/pingcap/shardjob/pkg/regcenter"
)

// Service maintains the servers/<ip> nodes of one job.
type Service struct {
	jobName  string
	storage  *jobnode.Storage
	registry *registry.Registry
}

// NewService creates the server service of a job.
func NewService(center regcenter.Center, reg *registry.Registry, jobName string) *Service {
	return &Service{
		jobName:  jobName,
		storage:  jobnode.NewStorage(center, jobName),
		registry: reg,
	}
}

// PersistOnline writes the local server node, "" if enabled and DISABLED
// otherwise. Nothing is written after the job is shut down.
func (s *Service) PersistOnline(ctx context.Context, enabled bool) error {
	if s.registry.IsShutdown(s.jobName) {
		return nil
	}
	instance, _ := s.registry.GetJobInstance(s.jobName)
	value := ""
	if !enabled {
		value = jobnode.ServerDisabled
	}
	return errors.Trace(s.storage.FillJobNode(ctx, jobnode.ServerNode(instance.IP()), value))
}

// GetAllServers returns the hosts that ever registered for the job.
func (s *Service) GetAllServers(ctx context.Context) ([]string, error) {
	servers, err := s.storage.GetJobNodeChildrenKeys(ctx, jobnode.ServersNode)
	return servers, errors.Trace(err)
}

// HasAvailableServers checks whether any host is enabled and has an online instance.
func (s *Service) HasAvailableServers(ctx context.Context) (bool, error) {
	servers, err := s.GetAllServers(ctx)
	if err != nil {
		return false, errors.Trace(err)
	}
	for _, ip := range servers {
		ok, err := s.IsAvailableServer(ctx, ip)
		if err != nil {
			return false, errors.Trace(err)
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// IsAvailableServer checks whether the host is enabled and has an online instance.
func (s *Service) IsAvailableServer(ctx context.Context, ip string) (bool, error) {
	enabled, err := s.IsEnableServer(ctx, ip)
	if err != nil || !enabled {
		return false, err
	}
	return s.HasOnlineInstances(ctx, ip)
}

// HasOnlineInstances checks whether an instance of the host is registered.
func (s *Service) HasOnlineInstances(ctx context.Context, ip string) (bool, error) {
	instances, err := s.storage.GetJobNodeChildrenKeys(ctx, jobnode.InstancesNode)
	if err != nil {
		return false, errors.Trace(err)
	}
	for _, id := range instances {
		if strings.HasPrefix(id, ip+model.InstanceDelimiter) {
			return true, nil
		}
	}
	return false, nil
}

// IsEnableServer checks whether the host is not disabled. A missing node
// counts as enabled.
func (s *Service) IsEnableServer(ctx context.Context, ip string) (bool, error) {
	value, err := s.storage.GetJobNodeData(ctx, jobnode.ServerNode(ip))
	if err != nil {
		return false, errors.Trace(err)
	}
	return value != jobnode.ServerDisabled, nil
}

// SetServerEnabled changes the state of a host from the operator side.
func (s *Service) SetServerEnabled(ctx context.Context, ip string, enabled bool) error {
	value := ""
	if !enabled {
		value = jobnode.ServerDisabled
	}
	return errors.Trace(s.storage.ReplaceJobNode(ctx, jobnode.ServerNode(ip), value))
}
