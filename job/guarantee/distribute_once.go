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
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"github.com/pingcap/shardjob/job/jobnode"
	"github.com/pingcap/shardjob/job/model"
	cerror "github.com/pingcap/shardjob/pkg/errors"
	"github.com/pingcap/shardjob/pkg/notify"
	"github.com/pingcap/shardjob/pkg/regcenter"
	"go.uber.org/zap"
)

// recheckInterval bounds the time a waiter sleeps without looking at the
// barrier when a notification is lost.
const recheckInterval = time.Second

// Hooks run once per distributed execution.
type Hooks interface {
	// DoBeforeJobExecutedAtLastStarted runs on the instance that starts the
	// last item.
	DoBeforeJobExecutedAtLastStarted(ctx context.Context, shardingContexts *model.ShardingContexts) error
	// DoAfterJobExecutedAtLastCompleted runs on the instance that completes
	// the last item.
	DoAfterJobExecutedAtLastCompleted(ctx context.Context, shardingContexts *model.ShardingContexts) error
}

// DistributeOnceListener is a model.JobListener that runs Hooks once across
// all instances. Instances that are not the last one wait until the last one
// is done, or until the timeout. A non-positive timeout waits forever.
type DistributeOnceListener struct {
	jobName          string
	hooks            Hooks
	startedTimeout   time.Duration
	completedTimeout time.Duration
	service          *Service
	clock            clock.Clock

	started   notify.Notifier
	completed notify.Notifier
}

var _ model.JobListener = (*DistributeOnceListener)(nil)

// NewDistributeOnceListener creates a DistributeOnceListener. A nil clock
// means the wall clock.
func NewDistributeOnceListener(
	center regcenter.Center, jobName string, hooks Hooks,
	startedTimeout, completedTimeout time.Duration, clk clock.Clock,
) *DistributeOnceListener {
	if clk == nil {
		clk = clock.New()
	}
	return &DistributeOnceListener{
		jobName:          jobName,
		hooks:            hooks,
		startedTimeout:   startedTimeout,
		completedTimeout: completedTimeout,
		service:          NewService(center, jobName),
		clock:            clk,
	}
}

// BeforeJobExecuted implements model.JobListener.
func (l *DistributeOnceListener) BeforeJobExecuted(ctx context.Context, shardingContexts *model.ShardingContexts) error {
	receiver, err := l.started.NewReceiver(recheckInterval)
	if err != nil {
		return errors.Trace(err)
	}
	defer receiver.Stop()
	if err := l.service.RegisterStart(ctx, shardingContexts.Items()); err != nil {
		return errors.Trace(err)
	}
	allStarted, err := l.service.IsAllStarted(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	if allStarted {
		if err := l.hooks.DoBeforeJobExecutedAtLastStarted(ctx, shardingContexts); err != nil {
			return errors.Trace(err)
		}
		return errors.Trace(l.service.ClearAllStartedInfo(ctx))
	}
	return l.await(ctx, receiver, l.startedTimeout, "started",
		jobnode.GuaranteeStartedNode, l.service.ClearAllStartedInfo)
}

// AfterJobExecuted implements model.JobListener.
func (l *DistributeOnceListener) AfterJobExecuted(ctx context.Context, shardingContexts *model.ShardingContexts) error {
	receiver, err := l.completed.NewReceiver(recheckInterval)
	if err != nil {
		return errors.Trace(err)
	}
	defer receiver.Stop()
	if err := l.service.RegisterComplete(ctx, shardingContexts.Items()); err != nil {
		return errors.Trace(err)
	}
	allCompleted, err := l.service.IsAllCompleted(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	if allCompleted {
		if err := l.hooks.DoAfterJobExecutedAtLastCompleted(ctx, shardingContexts); err != nil {
			return errors.Trace(err)
		}
		return errors.Trace(l.service.ClearAllCompletedInfo(ctx))
	}
	return l.await(ctx, receiver, l.completedTimeout, "completed",
		jobnode.GuaranteeCompletedNode, l.service.ClearAllCompletedInfo)
}

// await returns once the barrier node is cleared by the last instance.
// Cancellation of ctx is not an error.
func (l *DistributeOnceListener) await(
	ctx context.Context, receiver *notify.Receiver, timeout time.Duration,
	stage, node string, clear func(ctx context.Context) error,
) error {
	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := l.clock.Timer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timeoutCh:
			log.Warn("guarantee barrier timeout",
				zap.String("job", l.jobName), zap.String("stage", stage), zap.Duration("timeout", timeout))
			if err := clear(ctx); err != nil {
				log.Warn("clear guarantee barrier failed", zap.String("job", l.jobName), zap.Error(err))
			}
			return cerror.ErrGuaranteeTimeout.GenWithStackByArgs(l.jobName, stage, timeout.String())
		case <-receiver.C:
			cleared, err := l.service.isCleared(ctx, node)
			if err != nil {
				return errors.Trace(err)
			}
			if cleared {
				return nil
			}
		}
	}
}

// NotifyWaitingTaskStart wakes up the instances waiting in BeforeJobExecuted.
func (l *DistributeOnceListener) NotifyWaitingTaskStart() {
	l.started.Notify()
}

// NotifyWaitingTaskComplete wakes up the instances waiting in AfterJobExecuted.
func (l *DistributeOnceListener) NotifyWaitingTaskComplete() {
	l.completed.Notify()
}
