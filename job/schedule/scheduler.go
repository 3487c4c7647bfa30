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
	"github.com/pingcap/shardjob/job/event"
	"github.com/pingcap/shardjob/job/executor"
	"github.com/pingcap/shardjob/job/guarantee"
	"github.com/pingcap/shardjob/job/instance"
	"github.com/pingcap/shardjob/job/listener"
	"github.com/pingcap/shardjob/job/model"
	"github.com/pingcap/shardjob/job/registry"
	"github.com/pingcap/shardjob/pkg/regcenter"
	"github.com/pingcap/shardjob/pkg/util"
	"go.uber.org/zap"
)

type options struct {
	instance     *model.JobInstance
	clock        clock.Clock
	jobListeners []model.JobListener
	sinks        []event.Sink
	busCapacity  int
}

// Option customizes a JobScheduler.
type Option func(*options)

// WithJobInstance sets the local instance instead of the one derived from
// the host address and the process ID.
func WithJobInstance(instance model.JobInstance) Option {
	return func(o *options) { o.instance = &instance }
}

// WithClock sets the clock of the timed loops.
func WithClock(clk clock.Clock) Option {
	return func(o *options) { o.clock = clk }
}

// WithJobListeners adds listeners called around every execution.
func WithJobListeners(listeners ...model.JobListener) Option {
	return func(o *options) { o.jobListeners = append(o.jobListeners, listeners...) }
}

// WithEventSinks adds sinks of the execution events.
func WithEventSinks(sinks ...event.Sink) Option {
	return func(o *options) { o.sinks = append(o.sinks, sinks...) }
}

// WithEventBusCapacity sets the queue size of the execution event bus.
func WithEventBusCapacity(capacity int) Option {
	return func(o *options) { o.busCapacity = capacity }
}

// JobScheduler runs one job on the local instance.
type JobScheduler struct {
	cfg        *config.JobConfiguration
	registry   *registry.Registry
	facade     *SchedulerFacade
	jobFacade  *JobFacade
	controller *ScheduleController
	executor   *executor.Executor
	instances  *instance.Service
	bus        *event.Bus
	waiters    []*guarantee.DistributeOnceListener

	shutdownOnce sync.Once
}

// NewJobScheduler creates the scheduler of cfg and registers the local
// instance of the job in reg.
func NewJobScheduler(
	center regcenter.Center, reg *registry.Registry,
	cfg *config.JobConfiguration, job executor.ShardingJob, opts ...Option,
) (*JobScheduler, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if err := cfg.ValidateAndAdjust(); err != nil {
		return nil, errors.Trace(err)
	}
	if o.instance == nil {
		ip, err := util.GetLocalIP()
		if err != nil {
			return nil, errors.Trace(err)
		}
		local := model.NewJobInstance(ip)
		o.instance = &local
	}
	jobName := cfg.JobName
	reg.RegisterJob(jobName, *o.instance)

	s := &JobScheduler{
		cfg:       cfg,
		registry:  reg,
		facade:    NewSchedulerFacade(center, reg, jobName, o.clock),
		instances: instance.NewService(center, reg, jobName),
		bus:       event.NewBus(o.busCapacity, o.sinks...),
	}
	for _, l := range o.jobListeners {
		if waiter, ok := l.(*guarantee.DistributeOnceListener); ok {
			s.waiters = append(s.waiters, waiter)
		}
	}
	s.jobFacade = NewJobFacade(center, reg, jobName, s.bus, o.jobListeners...)
	s.executor = executor.New(jobName, s.jobFacade, job)
	s.controller = NewScheduleController(jobName, s.executor.Execute, func(ctx context.Context) {
		if err := s.jobFacade.MisfireLocalItems(ctx); err != nil {
			log.Warn("mark local items misfired failed", zap.String("job", jobName), zap.Error(err))
		}
	})
	return s, nil
}

// Init publishes the configuration, registers the local instance in the
// registry center and starts the trigger.
func (s *JobScheduler) Init(ctx context.Context) error {
	jobName := s.cfg.JobName
	s.bus.Start(context.Background())
	cfg, err := s.facade.UpdateJobConfiguration(ctx, s.cfg)
	if err != nil {
		return errors.Trace(err)
	}
	s.registry.SetCurrentShardingTotalCount(jobName, cfg.ShardingTotalCount)
	s.registry.SetScheduleController(jobName, s.controller)
	s.facade.AddListeners(
		listener.NewFunc("reschedule", s.onConfigChanged),
		guarantee.NewListener(jobName, s.waiters),
	)
	if err := s.facade.RegisterStartUpInfo(ctx, !cfg.Disabled); err != nil {
		return errors.Trace(err)
	}
	if err := s.controller.ScheduleJob(cfg.Cron); err != nil {
		return errors.Trace(err)
	}
	log.Info("job scheduler initialized",
		zap.String("job", jobName), zap.String("instance", s.jobFacade.JobInstance().ID),
		zap.String("cron", cfg.Cron), zap.Int("shardingTotalCount", cfg.ShardingTotalCount))
	return nil
}

// onConfigChanged follows cron changes of the configuration.
func (s *JobScheduler) onConfigChanged(_ context.Context, ev regcenter.Event) error {
	if ev.Kind != regcenter.EventUpdated || !s.facade.path.IsConfigPath(ev.Path) ||
		s.registry.IsShutdown(s.cfg.JobName) {
		return nil
	}
	cfg := &config.JobConfiguration{}
	if err := cfg.Unmarshal(ev.Value); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(s.controller.RescheduleJob(cfg.Cron))
}

// JobName returns the name of the scheduled job.
func (s *JobScheduler) JobName() string {
	return s.cfg.JobName
}

// IsShutdown tells whether the local instance of the job has been shut down.
func (s *JobScheduler) IsShutdown() bool {
	return s.registry.IsShutdown(s.cfg.JobName)
}

// Controller returns the trigger of the job.
func (s *JobScheduler) Controller() *ScheduleController {
	return s.controller
}

// JobFacade returns the execution facade of the job.
func (s *JobScheduler) JobFacade() *JobFacade {
	return s.jobFacade
}

// Shutdown removes the local instance from the registry center and stops
// everything of the job. The running execution is canceled and waited for.
func (s *JobScheduler) Shutdown(ctx context.Context) error {
	var err error
	s.shutdownOnce.Do(func() {
		s.facade.Close()
		if !s.registry.IsShutdown(s.cfg.JobName) {
			err = s.instances.RemoveInstance(ctx)
		}
		if shutdownErr := s.facade.ShutdownInstance(ctx); err == nil {
			err = shutdownErr
		}
		s.controller.Shutdown()
		s.bus.Close()
	})
	return errors.Trace(err)
}
