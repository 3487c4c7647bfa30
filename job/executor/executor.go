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

package executor

import (
	"context"
	"fmt"
	"sync"

	"github.com/pingcap/log"
	"github.com/pingcap/shardjob/job/config"
	"github.com/pingcap/shardjob/job/event"
	"github.com/pingcap/shardjob/job/model"
	cerror "github.com/pingcap/shardjob/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ShardingJob is the user code of a job, called once per sharding item.
type ShardingJob interface {
	Execute(ctx context.Context, shardingContext model.ShardingContext) error
}

// ShardingJobFunc adapts a function to ShardingJob.
type ShardingJobFunc func(ctx context.Context, shardingContext model.ShardingContext) error

// Execute implements ShardingJob.
func (f ShardingJobFunc) Execute(ctx context.Context, shardingContext model.ShardingContext) error {
	return f(ctx, shardingContext)
}

// Facade is the coordination the executor needs around one execution.
type Facade interface {
	LoadJobConfiguration(ctx context.Context) (*config.JobConfiguration, error)
	CheckJobExecutionEnvironment(ctx context.Context) error
	GetShardingContexts(ctx context.Context) (*model.ShardingContexts, error)
	MisfireIfRunning(ctx context.Context, items []int) (bool, error)
	RegisterJobBegin(ctx context.Context, shardingContexts *model.ShardingContexts) error
	RegisterJobCompleted(ctx context.Context, shardingContexts *model.ShardingContexts) error
	IsExecuteMisfired(ctx context.Context, items []int) (bool, error)
	ClearMisfire(ctx context.Context, items []int) error
	MarkCrashed(ctx context.Context, item int) error
	FailoverIfNecessary(ctx context.Context) error
	BeforeJobExecuted(ctx context.Context, shardingContexts *model.ShardingContexts) error
	AfterJobExecuted(ctx context.Context, shardingContexts *model.ShardingContexts) error
	PostJobExecutionEvent(ev *event.JobExecutionEvent)
	PostJobStatusTraceEvent(taskID string, state event.State, message string)
	JobInstance() model.JobInstance
}

// Executor runs one execution of a job on the local instance.
type Executor struct {
	jobName string
	facade  Facade
	job     ShardingJob

	mu         sync.Mutex
	itemErrors map[int]string
}

// New creates the executor of a job.
func New(jobName string, facade Facade, job ShardingJob) *Executor {
	return &Executor{
		jobName:    jobName,
		facade:     facade,
		job:        job,
		itemErrors: make(map[int]string),
	}
}

// Execute runs one execution. It never returns the errors of the user code,
// they go to the configured ExceptionHandler.
func (e *Executor) Execute(ctx context.Context) {
	cfg, err := e.facade.LoadJobConfiguration(ctx)
	if err != nil {
		logExecuteError(e.jobName, "load job configuration failed", err)
		return
	}
	handler := GetExceptionHandler(cfg.JobExceptionHandlerType)
	if err := e.facade.CheckJobExecutionEnvironment(ctx); err != nil {
		handler.HandleException(e.jobName, err)
	}
	shardingContexts, err := e.facade.GetShardingContexts(ctx)
	if err != nil {
		handler.HandleException(e.jobName, err)
		return
	}
	e.facade.PostJobStatusTraceEvent(shardingContexts.TaskID, event.StateTaskStaging,
		fmt.Sprintf("job '%s' execute begin", e.jobName))
	items := shardingContexts.Items()
	misfired, err := e.facade.MisfireIfRunning(ctx, items)
	if err != nil {
		handler.HandleException(e.jobName, err)
		return
	}
	if misfired {
		e.facade.PostJobStatusTraceEvent(shardingContexts.TaskID, event.StateTaskFinished,
			fmt.Sprintf("previous job '%s' - sharding items %v is still running, misfired job will start after previous job completed", e.jobName, items))
		return
	}
	if err := e.facade.BeforeJobExecuted(ctx, shardingContexts); err != nil {
		handler.HandleException(e.jobName, err)
	}
	e.execute(ctx, cfg, handler, shardingContexts, triggerSource(shardingContexts))
	for ctx.Err() == nil {
		misfired, err := e.facade.IsExecuteMisfired(ctx, items)
		if err != nil {
			handler.HandleException(e.jobName, err)
			break
		}
		if !misfired {
			break
		}
		if err := e.facade.ClearMisfire(ctx, items); err != nil {
			handler.HandleException(e.jobName, err)
			break
		}
		e.execute(ctx, cfg, handler, shardingContexts, event.SourceMisfire)
	}
	if err := e.facade.FailoverIfNecessary(ctx); err != nil {
		handler.HandleException(e.jobName, err)
	}
	if err := e.facade.AfterJobExecuted(ctx, shardingContexts); err != nil {
		handler.HandleException(e.jobName, err)
	}
}

func (e *Executor) execute(
	ctx context.Context, cfg *config.JobConfiguration, handler ExceptionHandler,
	shardingContexts *model.ShardingContexts, source event.ExecutionSource,
) {
	if shardingContexts.IsEmpty() {
		e.facade.PostJobStatusTraceEvent(shardingContexts.TaskID, event.StateTaskFinished,
			fmt.Sprintf("sharding item for job '%s' is empty", e.jobName))
		return
	}
	if err := e.facade.RegisterJobBegin(ctx, shardingContexts); err != nil {
		handler.HandleException(e.jobName, err)
		// nothing ran, but a partial begin must not stay registered.
		if completeErr := e.facade.RegisterJobCompleted(context.WithoutCancel(ctx), shardingContexts); completeErr != nil {
			handler.HandleException(e.jobName, completeErr)
		}
		return
	}
	e.facade.PostJobStatusTraceEvent(shardingContexts.TaskID, event.StateTaskRunning, "")
	err := e.process(ctx, cfg, shardingContexts, source)
	// completion is written whatever happens to the items
	if completeErr := e.facade.RegisterJobCompleted(context.WithoutCancel(ctx), shardingContexts); completeErr != nil {
		handler.HandleException(e.jobName, completeErr)
	}
	if err != nil {
		handler.HandleException(e.jobName, err)
		e.facade.PostJobStatusTraceEvent(shardingContexts.TaskID, event.StateTaskError, err.Error())
		return
	}
	e.facade.PostJobStatusTraceEvent(shardingContexts.TaskID, event.StateTaskFinished, "")
}

// process runs every item on a bounded pool and returns the combined errors.
// A failing item never stops the others.
func (e *Executor) process(
	ctx context.Context, cfg *config.JobConfiguration,
	shardingContexts *model.ShardingContexts, source event.ExecutionSource,
) error {
	items := shardingContexts.Items()
	var (
		mu   sync.Mutex
		errs error
	)
	eg := &errgroup.Group{}
	eg.SetLimit(max(1, GetExecutorServiceHandler(cfg.ExecutorServiceHandlerType).PoolSize()))
	for _, item := range items {
		item := item
		eg.Go(func() error {
			if err := e.processItem(ctx, cfg, shardingContexts, item, source); err != nil {
				mu.Lock()
				errs = multierr.Append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = eg.Wait()
	return errs
}

func (e *Executor) processItem(
	ctx context.Context, cfg *config.JobConfiguration,
	shardingContexts *model.ShardingContexts, item int, source event.ExecutionSource,
) (err error) {
	instance := e.facade.JobInstance()
	start := event.NewJobExecutionEvent(instance.IP(), instance.ID, shardingContexts.TaskID, e.jobName, source, item)
	e.facade.PostJobExecutionEvent(start)
	defer func() {
		if r := recover(); r != nil {
			err = cerror.ErrJobItemPanic.GenWithStackByArgs(e.jobName, item, r)
		}
		if err == nil {
			e.facade.PostJobExecutionEvent(start.ExecutionSuccess())
			return
		}
		e.facade.PostJobExecutionEvent(start.ExecutionFailure(err))
		if cerror.IsContextCanceled(err) && ctx.Err() != nil {
			// interrupted by shutdown, the item is not crashed.
			return
		}
		e.setItemError(item, err)
		if cfg.Failover {
			if markErr := e.facade.MarkCrashed(context.WithoutCancel(ctx), item); markErr != nil {
				log.Warn("mark crashed sharding item failed",
					zap.String("job", e.jobName), zap.Int("item", item), zap.Error(markErr))
			}
		}
	}()
	if err := e.job.Execute(ctx, shardingContexts.ContextOf(item)); err != nil {
		return cerror.ErrJobItemExecute.Wrap(err).GenWithStackByArgs(e.jobName, item)
	}
	return nil
}

// triggerSource is the source of the first round of an execution.
func triggerSource(shardingContexts *model.ShardingContexts) event.ExecutionSource {
	if model.ParseTaskID(shardingContexts.TaskID).ExecutionType == model.ExecutionFailover {
		return event.SourceFailover
	}
	return event.SourceNormalTrigger
}

func (e *Executor) setItemError(item int, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.itemErrors[item] = err.Error()
}

// ItemErrors returns the last error message of every failed item.
func (e *Executor) ItemErrors() map[int]string {
	e.mu.Lock()
	defer e.mu.Unlock()
	result := make(map[int]string, len(e.itemErrors))
	for item, msg := range e.itemErrors {
		result[item] = msg
	}
	return result
}

func logExecuteError(jobName, msg string, err error) {
	if cerror.IsContextCanceled(err) {
		return
	}
	log.Warn(msg, zap.String("job", jobName), zap.Error(err))
}
