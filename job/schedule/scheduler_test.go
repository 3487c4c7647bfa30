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
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/pingcap/shardjob/job/config"
	"github.com/pingcap/shardjob/job/executor"
	"github.com/pingcap/shardjob/job/instance"
	"github.com/pingcap/shardjob/job/jobnode"
	"github.com/pingcap/shardjob/job/listener"
	"github.com/pingcap/shardjob/job/model"
	"github.com/pingcap/shardjob/job/registry"
	"github.com/pingcap/shardjob/job/server"
	"github.com/pingcap/shardjob/pkg/regcenter"
	"github.com/pingcap/shardjob/pkg/regcenter/memory"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

const (
	waitFor = 10 * time.Second
	tick    = 20 * time.Millisecond

	markerNode = "marker"
)

var markerSeq = atomic.NewInt64(0)

// recorder records the items run by every instance.
type recorder struct {
	mu   sync.Mutex
	runs map[string][]int
}

func newRecorder() *recorder {
	return &recorder{runs: make(map[string][]int)}
}

func (r *recorder) job(instanceID string) executor.ShardingJob {
	return executor.ShardingJobFunc(func(_ context.Context, sc model.ShardingContext) error {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.runs[instanceID] = append(r.runs[instanceID], sc.ShardingItem)
		return nil
	})
}

func (r *recorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = make(map[string][]int)
}

func (r *recorder) itemsOf(instanceID string) []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	items := append([]int{}, r.runs[instanceID]...)
	sort.Ints(items)
	return items
}

// allItems returns every item run, sorted.
func (r *recorder) allItems() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	items := make([]int, 0)
	for _, runs := range r.runs {
		items = append(items, runs...)
	}
	sort.Ints(items)
	return items
}

type testNode struct {
	id        string
	center    *memory.Center
	registry  *registry.Registry
	scheduler *JobScheduler
	marker    atomic.String
}

func newTestConfig(total int) *config.JobConfiguration {
	cfg := config.NewJobConfiguration("demo", farCron, total)
	cfg.Overwrite = true
	return cfg
}

func startNode(
	t *testing.T, store *memory.Store, cfg *config.JobConfiguration, ip string, rec *recorder,
) *testNode {
	center := store.NewCenter()
	reg := registry.New()
	inst := model.NewJobInstanceWithToken(ip, "1")
	s, err := NewJobScheduler(center, reg, cfg.Clone(), rec.job(inst.ID), WithJobInstance(inst))
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, s.Shutdown(context.Background()))
		center.Close()
	})
	n := &testNode{id: inst.ID, center: center, registry: reg, scheduler: s}
	markerPath := jobnode.NewPath("demo").FullPath(markerNode)
	s.facade.AddListeners(listener.NewFunc("test-marker", func(_ context.Context, ev regcenter.Event) error {
		if ev.Path == markerPath {
			n.marker.Store(ev.Value)
		}
		return nil
	}))
	require.NoError(t, s.Init(context.Background()))
	return n
}

// quiesce returns once every node has handled all the changes made so far.
func quiesce(t *testing.T, op *jobnode.Storage, nodes ...*testNode) {
	value := strconv.FormatInt(markerSeq.Inc(), 10)
	require.NoError(t, op.ReplaceJobNode(context.Background(), markerNode, value))
	require.Eventually(t, func() bool {
		for _, n := range nodes {
			if n.marker.Load() != value {
				return false
			}
		}
		return true
	}, waitFor, tick)
}

func operator(t *testing.T, store *memory.Store) *jobnode.Storage {
	center := store.NewCenter()
	t.Cleanup(func() { center.Close() })
	return jobnode.NewStorage(center, "demo")
}

func triggerAll(t *testing.T, storage *jobnode.Storage) {
	require.NoError(t, instance.NewService(storage.Center(), registry.New(), "demo").
		TriggerAllInstances(context.Background()))
}

func TestThreeInstancesResharding(t *testing.T) {
	store := memory.NewStore(nil)
	rec := newRecorder()
	cfg := newTestConfig(3)
	nodes := []*testNode{
		startNode(t, store, cfg, "10.0.0.1", rec),
		startNode(t, store, cfg, "10.0.0.2", rec),
		startNode(t, store, cfg, "10.0.0.3", rec),
	}
	op := operator(t, store)

	quiesce(t, op, nodes...)
	triggerAll(t, op)
	require.Eventually(t, func() bool {
		return len(rec.allItems()) == 3
	}, waitFor, tick)
	for i, n := range nodes {
		require.Equal(t, []int{i}, rec.itemsOf(n.id), n.id)
	}

	// the third instance loses its session, the others take all items
	rec.reset()
	nodes[2].center.Expire()
	require.True(t, nodes[2].scheduler.Controller().IsPaused())
	quiesce(t, op, nodes[0], nodes[1])
	ok, err := op.IsJobNodeExisted(context.Background(), jobnode.ShardingNecessaryNode)
	require.NoError(t, err)
	require.True(t, ok)

	triggerAll(t, op)
	require.Eventually(t, func() bool {
		return len(rec.allItems()) == 3
	}, waitFor, tick)
	require.Equal(t, []int{0, 1, 2}, rec.allItems())
	require.Empty(t, rec.itemsOf(nodes[2].id))
	require.Equal(t, []int{0, 2}, rec.itemsOf(nodes[0].id))
	require.Equal(t, []int{1}, rec.itemsOf(nodes[1].id))
}

func TestLeaderDisabledReelection(t *testing.T) {
	store := memory.NewStore(nil)
	rec := newRecorder()
	cfg := newTestConfig(2)
	first := startNode(t, store, cfg, "10.0.0.1", rec)
	second := startNode(t, store, cfg, "10.0.0.2", rec)
	op := operator(t, store)
	ctx := context.Background()

	leader, err := op.GetJobNodeData(ctx, jobnode.LeaderElectionInstanceNode)
	require.NoError(t, err)
	require.Equal(t, first.id, leader)

	servers := server.NewService(op.Center(), registry.New(), "demo")
	require.NoError(t, servers.SetServerEnabled(ctx, "10.0.0.1", false))
	require.Eventually(t, func() bool {
		leader, ok, err := op.GetJobNodeDataIfExists(ctx, jobnode.LeaderElectionInstanceNode)
		return err == nil && ok && leader == second.id
	}, waitFor, tick)

	// the disabled host gets no item at the next resharding
	quiesce(t, op, first, second)
	triggerAll(t, op)
	require.Eventually(t, func() bool {
		return len(rec.itemsOf(second.id)) == 2
	}, waitFor, tick)
	require.Equal(t, []int{0, 1}, rec.itemsOf(second.id))
	require.Empty(t, rec.itemsOf(first.id))
}

func TestFailoverOfCrashedInstance(t *testing.T) {
	store := memory.NewStore(nil)
	rec := newRecorder()
	cfg := newTestConfig(2)
	cfg.Failover = true
	first := startNode(t, store, cfg, "10.0.0.1", rec)
	second := startNode(t, store, cfg, "10.0.0.2", rec)
	op := operator(t, store)

	quiesce(t, op, first, second)
	triggerAll(t, op)
	require.Eventually(t, func() bool {
		return len(rec.allItems()) == 2
	}, waitFor, tick)
	require.Equal(t, []int{0}, rec.itemsOf(first.id))
	require.Equal(t, []int{1}, rec.itemsOf(second.id))

	// the item of the crashed instance runs on the survivor at once
	rec.reset()
	second.center.Expire()
	require.Eventually(t, func() bool {
		return len(rec.itemsOf(first.id)) > 0
	}, waitFor, tick)
	require.Equal(t, []int{1}, rec.itemsOf(first.id))
	require.Eventually(t, func() bool {
		ok, err := op.IsJobNodeExisted(context.Background(), jobnode.ShardingFailoverNode(1))
		return err == nil && !ok
	}, waitFor, tick)
}

func TestConnectionStateChanges(t *testing.T) {
	store := memory.NewStore(nil)
	rec := newRecorder()
	n := startNode(t, store, newTestConfig(1), "10.0.0.1", rec)
	op := operator(t, store)
	ctx := context.Background()
	controller := n.scheduler.Controller()

	n.center.Suspend()
	require.True(t, controller.IsPaused())
	n.center.Reconnect()
	require.False(t, controller.IsPaused())

	n.center.Expire()
	require.True(t, controller.IsPaused())
	ok, err := op.IsJobNodeExisted(ctx, jobnode.InstanceNode(n.id))
	require.NoError(t, err)
	require.False(t, ok)
	// the instance is paused, not shut down
	quiesce(t, op, n)
	require.False(t, n.registry.IsShutdown("demo"))

	n.center.Reconnect()
	require.False(t, controller.IsPaused())
	ok, err = op.IsJobNodeExisted(ctx, jobnode.InstanceNode(n.id))
	require.NoError(t, err)
	require.True(t, ok)
	controller.TriggerJob()
	require.Eventually(t, func() bool {
		return len(rec.itemsOf(n.id)) == 1
	}, waitFor, tick)
}

func TestInstanceRemovedByOperator(t *testing.T) {
	store := memory.NewStore(nil)
	n := startNode(t, store, newTestConfig(1), "10.0.0.1", newRecorder())
	op := operator(t, store)

	require.NoError(t, op.RemoveJobNodeIfExisted(context.Background(), jobnode.InstanceNode(n.id)))
	require.Eventually(t, func() bool {
		return n.registry.IsShutdown("demo")
	}, waitFor, tick)
}

func TestRescheduleOnCronChanged(t *testing.T) {
	store := memory.NewStore(nil)
	n := startNode(t, store, newTestConfig(1), "10.0.0.1", newRecorder())
	op := operator(t, store)

	cfg := newTestConfig(1)
	cfg.Cron = "0 0 0 2 1 ?"
	require.NoError(t, config.NewService(op.Center(), "demo", nil).Persist(context.Background(), cfg))
	require.Eventually(t, func() bool {
		return n.scheduler.Controller().CronExpr() == "0 0 0 2 1 ?"
	}, waitFor, tick)
}

func TestShutdownRemovesInstance(t *testing.T) {
	store := memory.NewStore(nil)
	n := startNode(t, store, newTestConfig(1), "10.0.0.1", newRecorder())
	op := operator(t, store)
	ctx := context.Background()

	require.Equal(t, "demo", n.scheduler.JobName())
	require.False(t, n.scheduler.IsShutdown())
	require.NoError(t, n.scheduler.Shutdown(ctx))
	require.True(t, n.scheduler.IsShutdown())
	ok, err := op.IsJobNodeExisted(ctx, jobnode.InstanceNode(n.id))
	require.NoError(t, err)
	require.False(t, ok)
	ok, err = op.IsJobNodeExisted(ctx, jobnode.LeaderElectionInstanceNode)
	require.NoError(t, err)
	require.False(t, ok)
}
