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

	"github.com/pingcap/log"
	"github.com/pingcap/shardjob/job/jobnode"
	"github.com/pingcap/shardjob/job/listener"
	"github.com/pingcap/shardjob/job/registry"
	"github.com/pingcap/shardjob/job/server"
	"github.com/pingcap/shardjob/pkg/regcenter"
	"go.uber.org/zap"
)

// NewListeners returns the election and abdication listeners of a job.
func NewListeners(
	center regcenter.Center, reg *registry.Registry, jobName string,
) []listener.Listener {
	l := &listeners{
		jobName:  jobName,
		path:     jobnode.NewPath(jobName),
		registry: reg,
		leader:   NewLeaderService(center, reg, jobName),
		servers:  server.NewService(center, reg, jobName),
	}
	return []listener.Listener{
		listener.NewFunc("leader-election", l.onElection),
		listener.NewFunc("leader-abdication", l.onAbdication),
	}
}

type listeners struct {
	jobName  string
	path     *jobnode.Path
	registry *registry.Registry
	leader   *LeaderService
	servers  *server.Service
}

func (l *listeners) localIP() string {
	instance, _ := l.registry.GetJobInstance(l.jobName)
	return instance.IP()
}

// onElection elects when the local server becomes enabled without a leader,
// or when the leader node is gone.
func (l *listeners) onElection(ctx context.Context, ev regcenter.Event) error {
	if l.registry.IsShutdown(l.jobName) {
		return nil
	}
	active, err := l.isActiveElection(ctx, ev)
	if err != nil {
		return err
	}
	passive := false
	if !active {
		passive, err = l.isPassiveElection(ctx, ev)
		if err != nil {
			return err
		}
	}
	if !active && !passive {
		return nil
	}
	log.Info("start leader election",
		zap.String("job", l.jobName), zap.Bool("active", active), zap.String("path", ev.Path))
	return l.leader.ElectLeader(ctx)
}

func (l *listeners) isActiveElection(ctx context.Context, ev regcenter.Event) (bool, error) {
	if ev.Kind == regcenter.EventRemoved || !l.path.IsLocalServerPath(ev.Path, l.localIP()) ||
		ev.Value == jobnode.ServerDisabled {
		return false, nil
	}
	hasLeader, err := l.leader.HasLeader(ctx)
	return !hasLeader, err
}

func (l *listeners) isPassiveElection(ctx context.Context, ev regcenter.Event) (bool, error) {
	if ev.Kind != regcenter.EventRemoved || !l.path.IsLeaderInstancePath(ev.Path) {
		return false, nil
	}
	return l.servers.IsAvailableServer(ctx, l.localIP())
}

// onAbdication gives up the leadership once the local server is disabled.
func (l *listeners) onAbdication(ctx context.Context, ev regcenter.Event) error {
	if ev.Kind == regcenter.EventRemoved || !l.path.IsLocalServerPath(ev.Path, l.localIP()) ||
		ev.Value != jobnode.ServerDisabled {
		return nil
	}
	isLeader, err := l.leader.IsLeader(ctx)
	if err != nil || !isLeader {
		return err
	}
	log.Info("local server disabled, abdicate leadership", zap.String("job", l.jobName))
	return l.leader.RemoveLeader(ctx)
}
