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
	"github.com/pingcap/shardjob/job/listener"
	"github.com/pingcap/shardjob/job/registry"
	"github.com/pingcap/shardjob/pkg/regcenter"
	"go.uber.org/zap"
)

// NewListeners returns the listeners that raise the resharding flag when the
// topology or the sharding total count changes, and the one clearing running
// marks when execution monitoring is turned off.
func NewListeners(center regcenter.Center, reg *registry.Registry, jobName string) []listener.Listener {
	l := &listeners{
		jobName:   jobName,
		path:      jobnode.NewPath(jobName),
		registry:  reg,
		sharding:  NewService(center, reg, jobName),
		execution: NewExecutionService(center, reg, jobName),
	}
	return []listener.Listener{
		listener.NewFunc("sharding-total-count-changed", l.onShardingTotalCountChanged),
		listener.NewFunc("servers-changed", l.onServersChanged),
		listener.NewFunc("monitor-execution-settings-changed", l.onMonitorExecutionChanged),
	}
}

type listeners struct {
	jobName   string
	path      *jobnode.Path
	registry  *registry.Registry
	sharding  *Service
	execution *ExecutionService
}

func (l *listeners) onShardingTotalCountChanged(ctx context.Context, ev regcenter.Event) error {
	if ev.Kind == regcenter.EventRemoved || !l.path.IsConfigPath(ev.Path) {
		return nil
	}
	current := l.registry.GetCurrentShardingTotalCount(l.jobName)
	if current == 0 {
		return nil
	}
	cfg := &config.JobConfiguration{}
	if err := cfg.Unmarshal(ev.Value); err != nil {
		return errors.Trace(err)
	}
	if cfg.ShardingTotalCount != current {
		log.Info("sharding total count changed",
			zap.String("job", l.jobName), zap.Int("old", current), zap.Int("new", cfg.ShardingTotalCount))
		if err := l.sharding.SetReshardingFlag(ctx); err != nil {
			return errors.Trace(err)
		}
	}
	l.registry.SetCurrentShardingTotalCount(l.jobName, cfg.ShardingTotalCount)
	return nil
}

func (l *listeners) onServersChanged(ctx context.Context, ev regcenter.Event) error {
	if l.registry.IsShutdown(l.jobName) {
		return nil
	}
	instanceChanged := ev.Kind != regcenter.EventUpdated && l.path.IsInstancePath(ev.Path)
	if !instanceChanged && !l.path.IsServerPath(ev.Path) {
		return nil
	}
	return errors.Trace(l.sharding.SetReshardingFlag(ctx))
}

func (l *listeners) onMonitorExecutionChanged(ctx context.Context, ev regcenter.Event) error {
	if ev.Kind != regcenter.EventUpdated || !l.path.IsConfigPath(ev.Path) {
		return nil
	}
	cfg := &config.JobConfiguration{}
	if err := cfg.Unmarshal(ev.Value); err != nil {
		return errors.Trace(err)
	}
	if cfg.MonitorExecution {
		return nil
	}
	return errors.Trace(l.execution.ClearAllRunningInfo(ctx))
}
