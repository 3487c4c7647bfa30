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

package sharding

import (
	"context"
	"strings"
	"testing"

	"github.com/pingcap/errors"
	"github.com/pingcap/shardjob/job/config"
	"github.com/pingcap/shardjob/job/jobnode"
	"github.com/pingcap/shardjob/job/model"
	"github.com/pingcap/shardjob/pkg/regcenter/memory"
	"github.com/stretchr/testify/require"
)

func TestMisfireRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.NewStore(nil)
	persistConfig(t, store, config.NewJobConfiguration("demo", "0/5 * * * * ?", 3))
	a := newTestNode(t, store, "10.0.0.1")
	contexts := model.NewShardingContexts(a.id, model.ExecutionReady, "demo", 3, "", nil, []int{1, 2})

	misfired, err := a.execution.MisfireIfHasRunningItems(ctx, []int{1, 2})
	require.NoError(t, err)
	require.False(t, misfired)

	require.NoError(t, a.execution.RegisterJobBegin(ctx, contexts))
	require.True(t, a.registry.IsJobRunning("demo"))
	running, err := a.execution.GetAllRunningItems(ctx)
	require.NoError(t, err)
	require.Equal(t, []int{1, 2}, running)

	misfired, err = a.execution.MisfireIfHasRunningItems(ctx, []int{1, 2})
	require.NoError(t, err)
	require.True(t, misfired)
	items, err := a.execution.GetMisfiredJobItems(ctx, []int{0, 1, 2})
	require.NoError(t, err)
	require.Equal(t, []int{1, 2}, items)

	require.NoError(t, a.execution.ClearMisfire(ctx, []int{1, 2}))
	items, err = a.execution.GetMisfiredJobItems(ctx, []int{1, 2})
	require.NoError(t, err)
	require.Empty(t, items)

	require.NoError(t, a.execution.RegisterJobCompleted(ctx, contexts))
	require.False(t, a.registry.IsJobRunning("demo"))
	ok, err := a.execution.HasRunningItemsAll(ctx)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRunningMarksWithoutMonitorExecution(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.NewStore(nil)
	cfg := config.NewJobConfiguration("demo", "0/5 * * * * ?", 2)
	cfg.MonitorExecution = false
	persistConfig(t, store, cfg)
	a := newTestNode(t, store, "10.0.0.1")
	contexts := model.NewShardingContexts(a.id, model.ExecutionReady, "demo", 2, "", nil, []int{0})

	require.NoError(t, a.execution.RegisterJobBegin(ctx, contexts))
	ok, err := a.storage.IsJobNodeExisted(ctx, jobnode.ShardingRunningNode(0))
	require.NoError(t, err)
	require.False(t, ok)
	ok, err = a.execution.HasRunningItems(ctx, []int{0})
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRunningMarksAreEphemeral(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.NewStore(nil)
	persistConfig(t, store, config.NewJobConfiguration("demo", "0/5 * * * * ?", 2))
	a := newTestNode(t, store, "10.0.0.1")
	b := newTestNode(t, store, "10.0.0.2")
	contexts := model.NewShardingContexts(a.id, model.ExecutionReady, "demo", 2, "", nil, []int{0})
	require.NoError(t, a.execution.RegisterJobBegin(ctx, contexts))
	require.NoError(t, a.storage.FillJobNode(ctx, jobnode.ShardingDisabledNode(1), ""))

	disabled, err := b.execution.GetDisabledItems(ctx, []int{0, 1})
	require.NoError(t, err)
	require.Equal(t, []int{1}, disabled)

	a.center.Expire()
	ok, err := b.execution.HasRunningItemsAll(ctx)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, b.execution.RegisterJobBegin(ctx,
		model.NewShardingContexts(b.id, model.ExecutionReady, "demo", 2, "", nil, []int{0, 1})))
	require.NoError(t, a.execution.ClearAllRunningInfo(ctx))
	ok, err = b.execution.HasRunningItemsAll(ctx)
	require.NoError(t, err)
	require.False(t, ok)
}

// failingEphemeralCenter rejects ephemeral writes on paths with the suffix.
type failingEphemeralCenter struct {
	*memory.Center
	suffix string
}

func (c *failingEphemeralCenter) PersistEphemeral(ctx context.Context, path, value string) error {
	if strings.HasSuffix(path, c.suffix) {
		return errors.New("injected persist failure")
	}
	return c.Center.PersistEphemeral(ctx, path, value)
}

func TestFailedBeginLeavesNoRunningMarks(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.NewStore(nil)
	persistConfig(t, store, config.NewJobConfiguration("demo", "0/5 * * * * ?", 2))
	a := newTestNode(t, store, "10.0.0.1")
	center := &failingEphemeralCenter{Center: a.center, suffix: "/sharding/1/running"}
	execution := NewExecutionService(center, a.registry, "demo")
	contexts := model.NewShardingContexts(a.id, model.ExecutionReady, "demo", 2, "", nil, []int{0, 1})

	require.Error(t, execution.RegisterJobBegin(ctx, contexts))
	running, err := a.execution.GetAllRunningItems(ctx)
	require.NoError(t, err)
	require.Empty(t, running)
	require.False(t, a.registry.IsJobRunning("demo"))
}
