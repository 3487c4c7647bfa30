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

package schedule

import (
	"context"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"github.com/pingcap/shardjob/job/config"
	"github.com/pingcap/shardjob/job/election"
	"github.com/pingcap/shardjob/job/failover"
	"github.com/pingcap/shardjob/job/instance"
	"github.com/pingcap/shardjob/job/jobnode"
	"github.com/pingcap/shardjob/job/listener"
	"github.com/pingcap/shardjob/job/reconcile"
	"github.com/pingcap/shardjob/job/registry"
	"github.com/pingcap/shardjob/job/server"
	"github.com/pingcap/shardjob/job/sharding"
	"github.com/pingcap/shardjob/pkg/logutil"
	"github.com/pingcap/shardjob/pkg/regcenter"
	"go.uber.org/zap"
)

// SchedulerFacade manages the presence of the local instance of a job in
// the registry center: listeners, leader election, online nodes and the
// reconcile loop.
type SchedulerFacade struct {
	jobName    string
	center     regcenter.Center
	registry   *registry.Registry
	path       *jobnode.Path
	configs    *config.Service
	leader     *election.LeaderService
	servers    *server.Service
	instances  *instance.Service
	sharding   *sharding.Service
	execution  *sharding.ExecutionService
	reconciler *reconcile.Reconciler
	dispatcher *listener.Dispatcher

	mu       sync.Mutex
	started  bool
	shutdown bool
	runCtx   context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewSchedulerFacade creates the SchedulerFacade of a job with the
// coordination listeners registered. A nil clock means the wall clock.
func NewSchedulerFacade(
	center regcenter.Center, reg *registry.Registry, jobName string, clk clock.Clock,
) *SchedulerFacade {
	f := &SchedulerFacade{
		jobName:    jobName,
		center:     center,
		registry:   reg,
		path:       jobnode.NewPath(jobName),
		configs:    config.NewService(center, jobName, clk),
		leader:     election.NewLeaderService(center, reg, jobName),
		servers:    server.NewService(center, reg, jobName),
		instances:  instance.NewService(center, reg, jobName),
		sharding:   sharding.NewService(center, reg, jobName),
		execution:  sharding.NewExecutionService(center, reg, jobName),
		reconciler: reconcile.New(center, reg, jobName, clk),
		dispatcher: listener.NewDispatcher(center, jobName),
	}
	f.dispatcher.Add(election.NewListeners(center, reg, jobName)...)
	f.dispatcher.Add(sharding.NewListeners(center, reg, jobName)...)
	f.dispatcher.Add(failover.NewListeners(center, reg, jobName)...)
	f.dispatcher.Add(
		listener.NewFunc("instance-shutdown", f.onInstanceShutdown),
		listener.NewFunc("instance-trigger", f.onInstanceTrigger),
	)
	return f
}

// AddListeners registers more listeners, it must be called before
// RegisterStartUpInfo.
func (f *SchedulerFacade) AddListeners(listeners ...listener.Listener) {
	f.dispatcher.Add(listeners...)
}

// UpdateJobConfiguration persists cfg and returns the configuration that is
// effective in the registry center.
func (f *SchedulerFacade) UpdateJobConfiguration(
	ctx context.Context, cfg *config.JobConfiguration,
) (*config.JobConfiguration, error) {
	if err := f.configs.Persist(ctx, cfg); err != nil {
		return nil, errors.Trace(err)
	}
	result, err := f.configs.Load(ctx)
	return result, errors.Trace(err)
}

// RegisterStartUpInfo starts listening, campaigns, publishes the local
// server and instance, asks for a resharding and starts the reconciler.
func (f *SchedulerFacade) RegisterStartUpInfo(ctx context.Context, enabled bool) error {
	f.mu.Lock()
	if f.shutdown {
		f.mu.Unlock()
		return nil
	}
	if !f.started {
		f.started = true
		f.runCtx, f.cancel = context.WithCancel(context.Background())
		if err := f.dispatcher.Start(f.runCtx); err != nil {
			f.mu.Unlock()
			return errors.Trace(err)
		}
		f.center.AddConnectionStateListener(f.onConnectionStateChanged)
		runCtx := f.runCtx
		f.wg.Add(1)
		go func() {
			defer f.wg.Done()
			_ = f.reconciler.Run(runCtx)
		}()
	}
	f.mu.Unlock()

	if err := f.leader.ElectLeader(ctx); err != nil {
		return errors.Trace(err)
	}
	if err := f.servers.PersistOnline(ctx, enabled); err != nil {
		return errors.Trace(err)
	}
	if err := f.instances.PersistOnline(ctx); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(f.sharding.SetReshardingFlag(ctx))
}

// ShutdownInstance resigns the leadership if held, stops the background
// loops and shuts the job down in the registry. It is safe to call it from
// a listener and more than once.
func (f *SchedulerFacade) ShutdownInstance(ctx context.Context) error {
	f.mu.Lock()
	if f.shutdown {
		f.mu.Unlock()
		return nil
	}
	f.shutdown = true
	cancel := f.cancel
	f.mu.Unlock()

	isLeader, err := f.leader.IsLeader(ctx)
	if err == nil && isLeader {
		err = f.leader.RemoveLeader(ctx)
	}
	if cancel != nil {
		cancel()
	}
	f.registry.Shutdown(f.jobName)
	log.Info("job instance shutdown", zap.String("job", f.jobName), zap.Error(err))
	return errors.Trace(err)
}

// Close stops the listeners and the reconciler and waits for them. It must
// not be called from a listener.
func (f *SchedulerFacade) Close() {
	f.mu.Lock()
	cancel := f.cancel
	f.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	f.dispatcher.Close()
	f.wg.Wait()
}

func (f *SchedulerFacade) localInstanceID() string {
	local, _ := f.registry.GetJobInstance(f.jobName)
	return local.ID
}

// onInstanceShutdown shuts the local instance down when its node is removed
// by someone else. A removal caused by a lost session is ignored because the
// controller is paused then, and so is a node created again.
func (f *SchedulerFacade) onInstanceShutdown(ctx context.Context, ev regcenter.Event) error {
	if ev.Kind != regcenter.EventRemoved || f.registry.IsShutdown(f.jobName) ||
		!f.path.IsLocalInstancePath(ev.Path, f.localInstanceID()) {
		return nil
	}
	controller := f.registry.GetScheduleController(f.jobName)
	if controller == nil || controller.IsPaused() {
		return nil
	}
	existed, err := f.instances.IsLocalJobInstanceExisted(ctx)
	if err != nil || existed {
		return errors.Trace(err)
	}
	log.Info("local job instance removed, shutdown", zap.String("job", f.jobName))
	return errors.Trace(f.ShutdownInstance(ctx))
}

func (f *SchedulerFacade) onInstanceTrigger(ctx context.Context, ev regcenter.Event) error {
	if ev.Kind != regcenter.EventUpdated || ev.Value != jobnode.InstanceTrigger ||
		!f.path.IsLocalInstancePath(ev.Path, f.localInstanceID()) {
		return nil
	}
	if err := f.instances.ClearTriggerFlag(ctx); err != nil {
		return errors.Trace(err)
	}
	if f.registry.IsShutdown(f.jobName) {
		return nil
	}
	if controller := f.registry.GetScheduleController(f.jobName); controller != nil {
		log.Info("job triggered", zap.String("job", f.jobName))
		controller.TriggerJob()
	}
	return nil
}

func (f *SchedulerFacade) onConnectionStateChanged(state regcenter.ConnectionState) {
	if f.registry.IsShutdown(f.jobName) {
		return
	}
	controller := f.registry.GetScheduleController(f.jobName)
	if controller == nil {
		return
	}
	switch state {
	case regcenter.StateSuspended, regcenter.StateLost:
		controller.PauseJob()
	case regcenter.StateReconnected:
		f.mu.Lock()
		ctx := f.runCtx
		f.mu.Unlock()
		if err := f.republish(ctx); err != nil {
			// stay paused, the next reconnection tries again
			logutil.ErrorFilterContextCanceled(log.L(), "republish job instance failed",
				zap.String("job", f.jobName), zap.Error(err))
			return
		}
		controller.ResumeJob()
	}
}

// republish restores the nodes of the local instance after a new session
// is established. The enable state of the server is kept.
func (f *SchedulerFacade) republish(ctx context.Context) error {
	local, ok := f.registry.GetJobInstance(f.jobName)
	if !ok {
		return nil
	}
	enabled, err := f.servers.IsEnableServer(ctx, local.IP())
	if err != nil {
		return errors.Trace(err)
	}
	if err := f.servers.PersistOnline(ctx, enabled); err != nil {
		return errors.Trace(err)
	}
	if err := f.instances.PersistOnline(ctx); err != nil {
		return errors.Trace(err)
	}
	items, err := f.sharding.GetLocalShardingItems(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(f.execution.ClearRunningInfo(ctx, items))
}
