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
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"github.com/pingcap/shardjob/job/election"
	"github.com/pingcap/shardjob/job/event"
	"github.com/pingcap/shardjob/job/executor"
	"github.com/pingcap/shardjob/job/failover"
	"github.com/pingcap/shardjob/job/listener"
	"github.com/pingcap/shardjob/job/reconcile"
	"github.com/pingcap/shardjob/job/registry"
	"github.com/pingcap/shardjob/job/schedule"
	"github.com/pingcap/shardjob/job/sharding"
	"github.com/pingcap/shardjob/pkg/cmd/factory"
	"github.com/pingcap/shardjob/pkg/config"
	"github.com/pingcap/shardjob/pkg/etcd"
	"github.com/pingcap/shardjob/pkg/regcenter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	httpConnectionTimeout = 10 * time.Second
	shutdownTimeout       = 10 * time.Second
)

// jobServer runs every configured job on the local instance.
type jobServer struct {
	conf      *config.ServerConfig
	endpoints []string
	job       executor.ShardingJob
	registry  *registry.Registry
	metrics   *prometheus.Registry
	// opts are appended to the options of every job scheduler.
	opts []schedule.Option

	mu         sync.Mutex
	schedulers []*schedule.JobScheduler

	drainOnce sync.Once
	drained   chan struct{}
}

func newJobServer(
	conf *config.ServerConfig, endpoints []string, job executor.ShardingJob, opts ...schedule.Option,
) *jobServer {
	return &jobServer{
		conf:      conf,
		endpoints: endpoints,
		job:       job,
		registry:  registry.New(),
		metrics:   newMetricsRegistry(),
		opts:      opts,
		drained:   make(chan struct{}),
	}
}

func newMetricsRegistry() *prometheus.Registry {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	etcd.InitMetrics(registry)
	election.InitMetrics(registry)
	sharding.InitMetrics(registry)
	failover.InitMetrics(registry)
	listener.InitMetrics(registry)
	reconcile.InitMetrics(registry)
	event.InitMetrics(registry)
	return registry
}

// run starts the jobs on center and blocks until ctx is done.
func (s *jobServer) run(ctx context.Context) error {
	client, err := factory.NewEtcdClient(ctx, s.endpoints)
	if err != nil {
		return errors.Trace(err)
	}
	defer client.Close()
	center, err := regcenter.NewEtcdCenter(etcd.Wrap(client, etcd.NewRequestMetrics()), regcenter.EtcdCenterConfig{
		Namespace:       s.conf.Etcd.Namespace,
		SessionTTL:      s.conf.Etcd.SessionTTL,
		MonitorInterval: time.Duration(s.conf.Etcd.MonitorInterval),
	})
	if err != nil {
		return errors.Trace(err)
	}
	defer func() {
		if err := center.Close(); err != nil {
			log.Warn("close registry center failed", zap.Error(err))
		}
	}()
	return errors.Trace(s.runOn(ctx, center))
}

func (s *jobServer) runOn(ctx context.Context, center regcenter.Center) error {
	lis, err := net.Listen("tcp", s.conf.StatusAddr)
	if err != nil {
		return errors.Annotatef(err, "listen status address %s", s.conf.StatusAddr)
	}
	defer func() { <-s.drain() }()

	for _, cfg := range s.conf.Jobs {
		opts := append([]schedule.Option{
			schedule.WithEventSinks(event.LogSink{}),
			schedule.WithEventBusCapacity(s.conf.EventBusCapacity),
		}, s.opts...)
		scheduler, err := schedule.NewJobScheduler(center, s.registry, cfg.Clone(), s.job, opts...)
		if err != nil {
			_ = lis.Close()
			return errors.Trace(err)
		}
		s.mu.Lock()
		s.schedulers = append(s.schedulers, scheduler)
		s.mu.Unlock()
		if err := scheduler.Init(ctx); err != nil {
			_ = lis.Close()
			return errors.Annotatef(err, "init job %s", cfg.JobName)
		}
	}
	log.Info("all jobs are started", zap.Int("jobs", len(s.conf.Jobs)))

	statusServer := &http.Server{
		Handler:      newStatusRouter(s.metrics, s.jobStatuses),
		ReadTimeout:  httpConnectionTimeout,
		WriteTimeout: httpConnectionTimeout,
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("status server is running", zap.String("addr", lis.Addr().String()))
		err := statusServer.Serve(lis)
		if err != nil && err != http.ErrServerClosed {
			return errors.Annotate(err, "serve status")
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return errors.Trace(statusServer.Shutdown(shutdownCtx))
	})
	return errors.Trace(g.Wait())
}

// drain shuts down every job once. The returned channel is closed when done.
func (s *jobServer) drain() <-chan struct{} {
	s.drainOnce.Do(func() {
		go func() {
			defer close(s.drained)
			s.mu.Lock()
			schedulers := append([]*schedule.JobScheduler(nil), s.schedulers...)
			s.mu.Unlock()

			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			for _, scheduler := range schedulers {
				if err := scheduler.Shutdown(ctx); err != nil {
					log.Warn("shutdown job failed",
						zap.String("job", scheduler.JobName()), zap.Error(err))
				}
			}
		}()
	})
	return s.drained
}

func (s *jobServer) jobStatuses() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	statuses := make([]JobStatus, 0, len(s.schedulers))
	for _, scheduler := range s.schedulers {
		controller := scheduler.Controller()
		statuses = append(statuses, JobStatus{
			JobName:    scheduler.JobName(),
			InstanceID: string(scheduler.JobFacade().JobInstance().ID),
			Cron:       controller.CronExpr(),
			Paused:     controller.IsPaused(),
			Running:    controller.IsRunning(),
			Shutdown:   scheduler.IsShutdown(),
		})
	}
	return statuses
}
