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

package jobnode

import (
	"context"
	"testing"

	cerror "github.com/pingcap/shardjob/pkg/errors"
	"github.com/pingcap/shardjob/pkg/regcenter"
	"github.com/pingcap/shardjob/pkg/regcenter/memory"
	"github.com/stretchr/testify/require"
)

func TestStorage(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	center := memory.NewStore(nil).NewCenter()
	defer center.Close()
	storage := NewStorage(center, "demo")

	ok, err := storage.IsJobRootNodeExisted(ctx)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, storage.CreateJobNodeIfNeeded(ctx, ShardingNecessaryNode))
	require.NoError(t, storage.FillJobNode(ctx, ConfigNode, "{}"))
	// CreateJobNodeIfNeeded keeps an existing value
	require.NoError(t, storage.CreateJobNodeIfNeeded(ctx, ConfigNode))
	value, err := storage.GetJobNodeData(ctx, ConfigNode)
	require.NoError(t, err)
	require.Equal(t, "{}", value)

	require.NoError(t, storage.FillEphemeralJobNode(ctx, InstanceNode("a"), ""))
	require.NoError(t, storage.UpdateJobNode(ctx, InstanceNode("a"), InstanceTrigger))
	value, ok, err = storage.GetJobNodeDataIfExists(ctx, InstanceNode("a"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, InstanceTrigger, value)

	children, err := storage.GetJobNodeChildrenKeys(ctx, InstancesNode)
	require.NoError(t, err)
	require.Equal(t, []string{"a"}, children)

	require.NoError(t, storage.RemoveJobNodeIfExisted(ctx, InstancesNode))
	ok, err = storage.IsJobNodeExisted(ctx, InstanceNode("a"))
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = storage.IsJobRootNodeExisted(ctx)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestStorageTransaction(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	center := memory.NewStore(nil).NewCenter()
	defer center.Close()
	storage := NewStorage(center, "demo")

	err := storage.ExecuteInTransaction(ctx,
		regcenter.CheckExistsOp(ShardingProcessingNode),
		regcenter.PutOp(ShardingInstanceNode(0), "a"))
	require.True(t, cerror.ErrRegistryTxnConflict.Equal(err))

	require.NoError(t, storage.FillEphemeralJobNode(ctx, ShardingProcessingNode, ""))
	require.NoError(t, storage.ExecuteInTransaction(ctx,
		regcenter.CheckExistsOp(ShardingProcessingNode),
		regcenter.PutOp(ShardingInstanceNode(0), "a"),
		regcenter.DeleteOp(ShardingProcessingNode)))

	kvs, err := storage.Dump(ctx)
	require.NoError(t, err)
	require.Equal(t, []regcenter.KeyValue{{Path: "/demo/sharding/0/instance", Value: "a"}}, kvs)

	called := false
	require.NoError(t, storage.ExecuteInLeader(ctx, LeaderElectionLatchNode, func(ctx context.Context) error {
		called = true
		return nil
	}))
	require.True(t, called)
}
