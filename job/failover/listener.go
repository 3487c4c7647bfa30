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
	"github.com/pingcap/shardjob/job/listener"
	"github.com/pingcap/shardjob/job/registry"
	"github.com/pingcap/shardjob/job/sharding"
	"github.com/pingcap/shardjob/pkg/regcenter"
	"go.uber.org/zap"
)

// NewListeners returns the crashed instance listener and the failover
// settings listener of a job.
func NewListeners(center regcenter.Center, reg *registry.Registry, jobName string) []listener.Listener {
	l := &listeners{
		jobName:  jobName,
		path:     jobnode.NewPath(jobName),
		registry: reg,
		failover: NewService(center, reg, jobName),
		sharding: sharding.NewService(center, reg, jobName),
		configs:  config.NewService(center, jobName, nil),
	}
	return []listener.Listener{
		listener.NewFunc("job-crashed", l.onJobCrashed),
		listener.NewFunc("failover-settings-changed", l.onFailoverSettingsChanged),
	}
}

type listeners struct {
	jobName  string
	path     *jobnode.Path
	registry *registry.Registry
	failover *Service
	sharding *sharding.Service
	configs  *config.Service
}

// onJobCrashed marks every item held by a vanished instance as crashed.
func (l *listeners) onJobCrashed(ctx context.Context, ev regcenter.Event) error {
	if ev.Kind != regcenter.EventRemoved || !l.path.IsInstancePath(ev.Path) {
		return nil
	}
	crashed := l.path.InstanceIDFromPath(ev.Path)
	local, ok := l.registry.GetJobInstance(l.jobName)
	if !ok || crashed == local.ID {
		return nil
	}
	cfg, err := l.configs.Load(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	if !cfg.Failover {
		return nil
	}
	items, err := l.failover.GetFailoverItems(ctx, crashed)
	if err != nil {
		return errors.Trace(err)
	}
	if len(items) == 0 {
		if items, err = l.sharding.GetAssignedItems(ctx, crashed); err != nil {
			return errors.Trace(err)
		}
	}
	if len(items) == 0 {
		return nil
	}
	log.Info("job instance crashed, fail over its items",
		zap.String("job", l.jobName), zap.String("instance", crashed), zap.Ints("items", items))
	for _, item := range items {
		if err := l.failover.SetCrashedFailoverFlag(ctx, item); err != nil {
			return errors.Trace(err)
		}
	}
	return errors.Trace(l.failover.FailoverIfNecessary(ctx))
}

func (l *listeners) onFailoverSettingsChanged(ctx context.Context, ev regcenter.Event) error {
	if ev.Kind != regcenter.EventUpdated || !l.path.IsConfigPath(ev.Path) {
		return nil
	}
	cfg := &config.JobConfiguration{}
	if err := cfg.Unmarshal(ev.Value); err != nil {
		return errors.Trace(err)
	}
	if cfg.Failover {
		return nil
	}
	return errors.Trace(l.failover.RemoveFailoverInfo(ctx))
}
