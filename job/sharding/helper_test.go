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
	"testing"

	"github.com/pingcap/shardjob/job/config"
	"github.com/pingcap/shardjob/job/instance"
	"github.com/pingcap/shardjob/job/jobnode"
	"github.com/pingcap/shardjob/job/model"
	"github.com/pingcap/shardjob/job/registry"
	"github.com/pingcap/shardjob/job/server"
	"github.com/pingcap/shardjob/pkg/regcenter/memory"
	"github.com/stretchr/testify/require"
)

type testNode struct {
	id        string
	center    *memory.Center
	registry  *registry.Registry
	sharding  *Service
	execution *ExecutionService
	storage   *jobnode.Storage
}

func persistConfig(t *testing.T, store *memory.Store, cfg *config.JobConfiguration) {
	center := store.NewCenter()
	defer center.Close()
	cfg.Overwrite = true
	require.NoError(t, config.NewService(center, cfg.JobName, nil).Persist(context.Background(), cfg))
}

func newTestNode(t *testing.T, store *memory.Store, ip string) *testNode {
	ctx := context.Background()
	center := store.NewCenter()
	t.Cleanup(func() { center.Close() })
	reg := registry.New()
	inst := model.NewJobInstanceWithToken(ip, "1")
	reg.RegisterJob("demo", inst)
	require.NoError(t, server.NewService(center, reg, "demo").PersistOnline(ctx, true))
	require.NoError(t, instance.NewService(center, reg, "demo").PersistOnline(ctx))
	return &testNode{
		id:        inst.ID,
		center:    center,
		registry:  reg,
		sharding:  NewService(center, reg, "demo"),
		execution: NewExecutionService(center, reg, "demo"),
		storage:   jobnode.NewStorage(center, "demo"),
	}
}

func itemsOf(t *testing.T, n *testNode) []int {
	items, err := n.sharding.GetLocalShardingItems(context.Background())
	require.NoError(t, err)
	return items
}

func requireFlagsCleared(t *testing.T, n *testNode) {
	ctx := context.Background()
	for _, node := range []string{jobnode.ShardingNecessaryNode, jobnode.ShardingProcessingNode} {
		ok, err := n.storage.IsJobNodeExisted(ctx, node)
		require.NoError(t, err)
		require.False(t, ok, node)
	}
}
