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

package reconcile

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"github.com/pingcap/shardjob/job/config"
	"github.com/pingcap/shardjob/job/election"
	"github.com/pingcap/shardjob/job/registry"
	"github.com/pingcap/shardjob/job/sharding"
	"github.com/pingcap/shardjob/pkg/logutil"
	"github.com/pingcap/shardjob/pkg/regcenter"
	"go.uber.org/zap"
)

// DefaultCheckInterval is the period of the reconcile loop.
const DefaultCheckInterval = time.Minute

// Reconciler raises the resharding flag when an item is owned by an
// instance that is gone.
type Reconciler struct {
	jobName       string
	configs       *config.Service
	leader        *election.LeaderService
	sharding      *sharding.Service
	clock         clock.Clock
	checkInterval time.Duration

	lastReconcileTime time.Time
}

// New creates the reconciler of a job. A nil clock means the wall clock.
func New(center regcenter.Center, reg *registry.Registry, jobName string, clk clock.Clock) *Reconciler {
	if clk == nil {
		clk = clock.New()
	}
	return &Reconciler{
		jobName:           jobName,
		configs:           config.NewService(center, jobName, nil),
		leader:            election.NewLeaderService(center, reg, jobName),
		sharding:          sharding.NewService(center, reg, jobName),
		clock:             clk,
		checkInterval:     DefaultCheckInterval,
		lastReconcileTime: clk.Now(),
	}
}

// Run checks every check interval until ctx is done.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := r.clock.Ticker(r.checkInterval)
	defer ticker.Stop()
	log.Info("reconciler started", zap.String("job", r.jobName))
	for {
		select {
		case <-ctx.Done():
			log.Info("reconciler exited", zap.String("job", r.jobName))
			return nil
		case <-ticker.C:
			if err := r.RunOnce(ctx); err != nil {
				logutil.ErrorFilterContextCanceled(log.L(), "reconcile failed",
					zap.String("job", r.jobName), zap.Error(err))
			}
		}
	}
}

// RunOnce reconciles if the reconcile interval has elapsed since the last
// attempt.
func (r *Reconciler) RunOnce(ctx context.Context) error {
	cfg, err := r.configs.Load(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	interval := time.Duration(cfg.ReconcileIntervalMinutes) * time.Minute
	now := r.clock.Now()
	if interval <= 0 || now.Sub(r.lastReconcileTime) < interval {
		return nil
	}
	r.lastReconcileTime = now
	isLeader, err := r.leader.IsLeaderUntilBlock(ctx)
	if err != nil || !isLeader {
		return errors.Trace(err)
	}
	needSharding, err := r.sharding.IsNeedSharding(ctx)
	if err != nil || needSharding {
		return errors.Trace(err)
	}
	stale, err := r.sharding.HasShardingInfoInOfflineServers(ctx)
	if err != nil || !stale {
		return errors.Trace(err)
	}
	log.Warn("job sharding is inconsistent with online instances, start reconciling",
		zap.String("job", r.jobName))
	reconcileCounter.WithLabelValues(r.jobName).Inc()
	return errors.Trace(r.sharding.SetReshardingFlag(ctx))
}
