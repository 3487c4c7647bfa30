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

	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"github.com/pingcap/shardjob/job/registry"
	cerror "github.com/pingcap/shardjob/pkg/errors"
	"github.com/robfig/cron"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// ScheduleController fires the executions of one job on the local instance.
// At most one execution runs at a time. A cron tick arriving while an
// execution runs calls misfire instead, an explicit trigger is queued.
// Nothing runs while the controller is paused.
type ScheduleController struct {
	jobName string
	execute func(ctx context.Context)
	misfire func(ctx context.Context)

	mu       sync.Mutex
	cron     *cron.Cron
	cronExpr string

	paused    atomic.Bool
	running   atomic.Bool
	closed    atomic.Bool
	triggerCh chan struct{}

	startOnce    sync.Once
	shutdownOnce sync.Once
	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
}

var _ registry.ScheduleController = (*ScheduleController)(nil)

// NewScheduleController creates a stopped controller.
func NewScheduleController(
	jobName string, execute func(ctx context.Context), misfire func(ctx context.Context),
) *ScheduleController {
	ctx, cancel := context.WithCancel(context.Background())
	return &ScheduleController{
		jobName:   jobName,
		execute:   execute,
		misfire:   misfire,
		triggerCh: make(chan struct{}, 1),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// ScheduleJob starts firing the job on cronExpr.
func (c *ScheduleController) ScheduleJob(cronExpr string) error {
	if c.closed.Load() {
		return nil
	}
	if err := c.RescheduleJob(cronExpr); err != nil {
		return errors.Trace(err)
	}
	c.startOnce.Do(func() {
		c.wg.Add(1)
		go c.run()
	})
	return nil
}

// RescheduleJob replaces the cron expression. It does nothing if the
// expression is not changed.
func (c *ScheduleController) RescheduleJob(cronExpr string) error {
	schedule, err := cron.Parse(cronExpr)
	if err != nil {
		return cerror.WrapError(cerror.ErrJobConfigInvalid, err, "invalid cron "+cronExpr)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed.Load() || (c.cron != nil && c.cronExpr == cronExpr) {
		return nil
	}
	if c.cron != nil {
		c.cron.Stop()
	}
	c.cron = cron.New()
	c.cron.Schedule(schedule, cron.FuncJob(c.fire))
	c.cron.Start()
	log.Info("job scheduled", zap.String("job", c.jobName),
		zap.String("oldCron", c.cronExpr), zap.String("cron", cronExpr))
	c.cronExpr = cronExpr
	return nil
}

// CronExpr returns the current cron expression.
func (c *ScheduleController) CronExpr() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cronExpr
}

// PauseJob implements registry.ScheduleController.
func (c *ScheduleController) PauseJob() {
	if !c.paused.Swap(true) {
		log.Info("job paused", zap.String("job", c.jobName))
	}
}

// ResumeJob implements registry.ScheduleController.
func (c *ScheduleController) ResumeJob() {
	if c.paused.Swap(false) {
		log.Info("job resumed", zap.String("job", c.jobName))
	}
}

// IsPaused implements registry.ScheduleController.
func (c *ScheduleController) IsPaused() bool {
	return c.paused.Load()
}

// IsRunning returns true while an execution is in progress.
func (c *ScheduleController) IsRunning() bool {
	return c.running.Load()
}

// TriggerJob queues one execution. Triggers queued while one is already
// pending are merged.
func (c *ScheduleController) TriggerJob() {
	if c.closed.Load() {
		return
	}
	select {
	case c.triggerCh <- struct{}{}:
	default:
	}
}

// Shutdown stops the cron and waits for the running execution. The context
// of the running execution is canceled.
func (c *ScheduleController) Shutdown() {
	c.shutdownOnce.Do(func() {
		c.closed.Store(true)
		c.mu.Lock()
		if c.cron != nil {
			c.cron.Stop()
		}
		c.mu.Unlock()
		c.cancel()
		c.wg.Wait()
		log.Info("job schedule controller shutdown", zap.String("job", c.jobName))
	})
}

func (c *ScheduleController) fire() {
	if c.closed.Load() || c.paused.Load() {
		return
	}
	if c.running.Load() {
		log.Debug("job is still running, misfire", zap.String("job", c.jobName))
		c.misfire(c.ctx)
		return
	}
	c.TriggerJob()
}

func (c *ScheduleController) run() {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.triggerCh:
		}
		if c.paused.Load() {
			continue
		}
		c.running.Store(true)
		c.execute(c.ctx)
		c.running.Store(false)
	}
}
