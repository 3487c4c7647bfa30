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
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pingcap/shardjob/job/config"
	"github.com/pingcap/shardjob/job/election"
	"github.com/pingcap/shardjob/job/instance"
	"github.com/pingcap/shardjob/job/model"
	"github.com/pingcap/shardjob/job/registry"
	"github.com/pingcap/shardjob/job/server"
	"github.com/pingcap/shardjob/job/sharding"
	"github.com/pingcap/shardjob/pkg/leakutil"
	"github.com/pingcap/shardjob/pkg/regcenter/memory"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	leakutil.SetUpLeakTest(m)
}

type testNode struct {
	center   *memory.Center
	registry *registry.Registry
	sharding *sharding.Service
}

func newTestNode(t *testing.T, store *memory.Store, ip string) *testNode {
	ctx := context.Background()
	center := store.NewCenter()
	t.Cleanup(func() { center.Close() })
	reg := registry.New()
	reg.RegisterJob("demo", model.NewJobInstanceWithToken(ip, "1"))
	require.NoError(t, server.NewService(center, reg, "demo").PersistOnline(ctx, true))
	require.NoError(t, instance.NewService(center, reg, "demo").PersistOnline(ctx))
	return &testNode{center: center, registry: reg, sharding: sharding.NewService(center, reg, "demo")}
}

func setUp(t *testing.T, reconcileIntervalMinutes int) (*testNode, *testNode) {
	ctx := context.Background()
	store := memory.NewStore(nil)
	setup := store.NewCenter()
	cfg := config.NewJobConfiguration("demo", "0/5 * * * * ?", 2)
	cfg.ReconcileIntervalMinutes = reconcileIntervalMinutes
	require.NoError(t, config.NewService(setup, "demo", nil).Persist(ctx, cfg))
	require.NoError(t, setup.Close())

	a := newTestNode(t, store, "10.0.0.1")
	b := newTestNode(t, store, "10.0.0.2")
	require.NoError(t, election.NewLeaderService(a.center, a.registry, "demo").ElectLeader(ctx))
	require.NoError(t, a.sharding.SetReshardingFlag(ctx))
	require.NoError(t, a.sharding.ShardingIfNecessary(ctx))
	return a, b
}

func needSharding(t *testing.T, n *testNode) bool {
	ok, err := n.sharding.IsNeedSharding(context.Background())
	require.NoError(t, err)
	return ok
}

func TestRunOnce(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	a, b := setUp(t, 10)
	clk := clock.NewMock()
	r := New(a.center, a.registry, "demo", clk)

	// consistent
	clk.Add(10 * time.Minute)
	require.NoError(t, r.RunOnce(ctx))
	require.False(t, needSharding(t, a))

	b.center.Expire()
	// the interval since the last attempt has not elapsed
	clk.Add(5 * time.Minute)
	require.NoError(t, r.RunOnce(ctx))
	require.False(t, needSharding(t, a))

	clk.Add(5 * time.Minute)
	require.NoError(t, r.RunOnce(ctx))
	require.True(t, needSharding(t, a))

	// a pending resharding is left alone
	clk.Add(10 * time.Minute)
	require.NoError(t, r.RunOnce(ctx))
	require.True(t, needSharding(t, a))
	require.NoError(t, a.sharding.ShardingIfNecessary(ctx))
	clk.Add(10 * time.Minute)
	require.NoError(t, r.RunOnce(ctx))
	require.False(t, needSharding(t, a))
}

func TestRunOnceFollowerAndDisabled(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	a, b := setUp(t, 1)
	clk := clock.NewMock()
	follower := New(b.center, b.registry, "demo", clk)
	require.NoError(t, a.center.Close())

	// b becomes leader after a is gone, a's items are then stale
	clk.Add(time.Minute)
	require.NoError(t, follower.RunOnce(ctx))
	require.True(t, needSharding(t, b))

	a2, _ := setUp(t, 0)
	r := New(a2.center, a2.registry, "demo", clk)
	clk.Add(time.Hour)
	// an item without owner counts as stale but the loop is turned off
	require.NoError(t, a2.center.Remove(ctx, "/demo/sharding/0/instance"))
	require.NoError(t, r.RunOnce(ctx))
	require.False(t, needSharding(t, a2))
}

func TestRun(t *testing.T) {
	t.Parallel()

	a, b := setUp(t, 1)
	clk := clock.NewMock()
	r := New(a.center, a.registry, "demo", clk)
	b.center.Expire()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- r.Run(ctx)
	}()
	require.Eventually(t, func() bool {
		clk.Add(time.Minute)
		ok, err := a.sharding.IsNeedSharding(context.Background())
		return err == nil && ok
	}, 5*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}
