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

	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"github.com/pingcap/shardjob/job/config"
	"github.com/pingcap/shardjob/job/event"
	"github.com/pingcap/shardjob/job/executor"
	"github.com/pingcap/shardjob/job/failover"
	"github.com/pingcap/shardjob/job/model"
	"github.com/pingcap/shardjob/job/registry"
	"github.com/pingcap/shardjob/job/sharding"
	"github.com/pingcap/shardjob/pkg/regcenter"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// JobFacade is the coordination used around every execution of a job.
type JobFacade struct {
	jobName   string
	registry  *registry.Registry
	configs   *config.Service
	sharding  *sharding.Service
	execution *sharding.ExecutionService
	failover  *failover.Service
	listeners []model.JobListener
	bus       *event.Bus
}

var _ executor.Facade = (*JobFacade)(nil)

// NewJobFacade creates the JobFacade of a job. A nil bus drops all events.
func NewJobFacade(
	center regcenter.Center, reg *registry.Registry, jobName string,
	bus *event.Bus, listeners ...model.JobListener,
) *JobFacade {
	return &JobFacade{
		jobName:   jobName,
		registry:  reg,
		configs:   config.NewService(center, jobName, nil),
		sharding:  sharding.NewService(center, reg, jobName),
		execution: sharding.NewExecutionService(center, reg, jobName),
		failover:  failover.NewService(center, reg, jobName),
		listeners: listeners,
		bus:       bus,
	}
}

// LoadJobConfiguration implements executor.Facade.
func (f *JobFacade) LoadJobConfiguration(ctx context.Context) (*config.JobConfiguration, error) {
	cfg, err := f.configs.Load(ctx)
	return cfg, errors.Trace(err)
}

// CheckJobExecutionEnvironment implements executor.Facade.
func (f *JobFacade) CheckJobExecutionEnvironment(ctx context.Context) error {
	return errors.Trace(f.configs.CheckMaxTimeDiffSecondsTolerable(ctx))
}

// GetShardingContexts returns the items to run now. Items taken over by
// failover come first and alone. Otherwise the job is resharded if needed
// and the local items are used, without the ones taken over by others and
// the disabled ones.
func (f *JobFacade) GetShardingContexts(ctx context.Context) (*model.ShardingContexts, error) {
	cfg, err := f.configs.Load(ctx)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if cfg.Failover {
		items, err := f.failover.GetLocalFailoverItems(ctx)
		if err != nil {
			return nil, errors.Trace(err)
		}
		if len(items) > 0 {
			return f.shardingContexts(ctx, cfg, model.ExecutionFailover, items)
		}
	}
	if err := f.sharding.ShardingIfNecessary(ctx); err != nil {
		return nil, errors.Trace(err)
	}
	items, err := f.sharding.GetLocalShardingItems(ctx)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if cfg.Failover {
		takeOff, err := f.failover.GetLocalTakeOffItems(ctx)
		if err != nil {
			return nil, errors.Trace(err)
		}
		items = model.RemoveItems(items, takeOff)
	}
	disabled, err := f.execution.GetDisabledItems(ctx, items)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return f.shardingContexts(ctx, cfg, model.ExecutionReady, model.RemoveItems(items, disabled))
}

func (f *JobFacade) shardingContexts(
	ctx context.Context, cfg *config.JobConfiguration,
	executionType model.ExecutionType, items []int,
) (*model.ShardingContexts, error) {
	if cfg.MonitorExecution {
		running, err := f.execution.GetAllRunningItems(ctx)
		if err != nil {
			return nil, errors.Trace(err)
		}
		items = model.RemoveItems(items, running)
	}
	return model.NewShardingContexts(f.JobInstance().ID, executionType, f.jobName,
		cfg.ShardingTotalCount, cfg.JobParameter, cfg.ItemParameters(), items), nil
}

// MisfireIfRunning implements executor.Facade.
func (f *JobFacade) MisfireIfRunning(ctx context.Context, items []int) (bool, error) {
	misfired, err := f.execution.MisfireIfHasRunningItems(ctx, items)
	return misfired, errors.Trace(err)
}

// MisfireLocalItems marks the local items misfired, unless a resharding is
// pending and the assignment is about to change.
func (f *JobFacade) MisfireLocalItems(ctx context.Context) error {
	needSharding, err := f.sharding.IsNeedSharding(ctx)
	if err != nil || needSharding {
		return errors.Trace(err)
	}
	items, err := f.sharding.GetLocalShardingItems(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(f.execution.SetMisfire(ctx, items))
}

// RegisterJobBegin implements executor.Facade.
func (f *JobFacade) RegisterJobBegin(ctx context.Context, shardingContexts *model.ShardingContexts) error {
	return errors.Trace(f.execution.RegisterJobBegin(ctx, shardingContexts))
}

// RegisterJobCompleted clears the running marks, and the take-over markers
// when failover is enabled.
func (f *JobFacade) RegisterJobCompleted(ctx context.Context, shardingContexts *model.ShardingContexts) error {
	if err := f.execution.RegisterJobCompleted(ctx, shardingContexts); err != nil {
		return errors.Trace(err)
	}
	cfg, err := f.configs.Load(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	if !cfg.Failover {
		return nil
	}
	return errors.Trace(f.failover.UpdateFailoverComplete(ctx, shardingContexts.Items()))
}

// IsExecuteMisfired reports whether some of items missed a fire and must
// run again now.
func (f *JobFacade) IsExecuteMisfired(ctx context.Context, items []int) (bool, error) {
	eligible, err := f.IsEligibleForJobRunning(ctx)
	if err != nil || !eligible {
		return false, errors.Trace(err)
	}
	cfg, err := f.configs.Load(ctx)
	if err != nil {
		return false, errors.Trace(err)
	}
	if !cfg.Misfire {
		return false, nil
	}
	misfired, err := f.execution.GetMisfiredJobItems(ctx, items)
	if err != nil {
		return false, errors.Trace(err)
	}
	return len(misfired) > 0, nil
}

// IsEligibleForJobRunning is false while a resharding is pending.
func (f *JobFacade) IsEligibleForJobRunning(ctx context.Context) (bool, error) {
	needSharding, err := f.sharding.IsNeedSharding(ctx)
	return !needSharding, errors.Trace(err)
}

// IsNeedSharding reports whether the resharding flag is set.
func (f *JobFacade) IsNeedSharding(ctx context.Context) (bool, error) {
	needSharding, err := f.sharding.IsNeedSharding(ctx)
	return needSharding, errors.Trace(err)
}

// ClearMisfire implements executor.Facade.
func (f *JobFacade) ClearMisfire(ctx context.Context, items []int) error {
	return errors.Trace(f.execution.ClearMisfire(ctx, items))
}

// MarkCrashed implements executor.Facade.
func (f *JobFacade) MarkCrashed(ctx context.Context, item int) error {
	return errors.Trace(f.failover.SetCrashedFailoverFlag(ctx, item))
}

// FailoverIfNecessary takes over a crashed item when failover is enabled.
func (f *JobFacade) FailoverIfNecessary(ctx context.Context) error {
	cfg, err := f.configs.Load(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	if !cfg.Failover {
		return nil
	}
	return errors.Trace(f.failover.FailoverIfNecessary(ctx))
}

// BeforeJobExecuted runs every job listener, a failing listener does not
// stop the others.
func (f *JobFacade) BeforeJobExecuted(ctx context.Context, shardingContexts *model.ShardingContexts) error {
	var errs error
	for _, l := range f.listeners {
		errs = multierr.Append(errs, l.BeforeJobExecuted(ctx, shardingContexts))
	}
	return errs
}

// AfterJobExecuted runs every job listener, a failing listener does not
// stop the others.
func (f *JobFacade) AfterJobExecuted(ctx context.Context, shardingContexts *model.ShardingContexts) error {
	var errs error
	for _, l := range f.listeners {
		errs = multierr.Append(errs, l.AfterJobExecuted(ctx, shardingContexts))
	}
	return errs
}

// PostJobExecutionEvent implements executor.Facade.
func (f *JobFacade) PostJobExecutionEvent(ev *event.JobExecutionEvent) {
	f.bus.Post(ev)
}

// PostJobStatusTraceEvent implements executor.Facade.
func (f *JobFacade) PostJobStatusTraceEvent(taskID string, state event.State, message string) {
	info := model.ParseTaskID(taskID)
	source := event.SourceNormalTrigger
	if info.ExecutionType == model.ExecutionFailover {
		source = event.SourceFailover
	}
	f.bus.Post(event.NewJobStatusTraceEvent(f.jobName, taskID, info.InstanceID, source,
		string(info.ExecutionType), info.Items, state, message))
	if message != "" {
		log.Debug(message, zap.String("job", f.jobName), zap.String("taskID", taskID))
	}
}

// JobInstance implements executor.Facade.
func (f *JobFacade) JobInstance() model.JobInstance {
	instance, _ := f.registry.GetJobInstance(f.jobName)
	return instance
}
