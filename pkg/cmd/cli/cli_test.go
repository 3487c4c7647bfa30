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


package cli

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/pingcap/shardjob/job/jobnode"
	"github.com/pingcap/shardjob/pkg/leakutil"
	"github.com/pingcap/shardjob/pkg/regcenter"
	"github.com/pingcap/shardjob/pkg/regcenter/memory"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	leakutil.SetUpLeakTest(m)
}

// memoryFactory opens a new center on a shared in-memory store.
type memoryFactory struct {
	store *memory.Store
}

func (f *memoryFactory) RegistryCenter(context.Context) (regcenter.Center, error) {
	return f.store.NewCenter(), nil
}

func (f *memoryFactory) GetEtcdEndpoints() []string { return nil }

func (f *memoryFactory) GetNamespace() string { return "" }

func (f *memoryFactory) GetLogLevel() string { return "warn" }

type cliSuite struct {
	store   *memory.Store
	node    *memory.Center
	storage *jobnode.Storage
}

// newCliSuite seeds job demo with one online instance on 10.0.0.1.
func newCliSuite(t *testing.T) *cliSuite {
	store := memory.NewStore(nil)
	node := store.NewCenter()
	t.Cleanup(func() { _ = node.Close() })
	storage := jobnode.NewStorage(node, "demo")
	ctx := context.Background()
	require.NoError(t, storage.FillJobNode(ctx, jobnode.ConfigNode, `{"jobName":"demo"}`))
	require.NoError(t, storage.FillJobNode(ctx, jobnode.ServerNode("10.0.0.1"), ""))
	require.NoError(t, storage.FillJobNode(ctx, jobnode.ServerNode("10.0.0.2"), jobnode.ServerDisabled))
	require.NoError(t, storage.FillEphemeralJobNode(ctx, jobnode.InstanceNode("10.0.0.1@-@1"), ""))
	return &cliSuite{store: store, node: node, storage: storage}
}

func (s *cliSuite) execute(t *testing.T, args ...string) (string, error) {
	cmd := newCmdCli(nil, &memoryFactory{store: s.store})
	var b bytes.Buffer
	cmd.SetOut(&b)
	cmd.SetErr(&b)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return b.String(), err
}

func TestDump(t *testing.T) {
	s := newCliSuite(t)

	out, err := s.execute(t, "dump", "--job", "demo")
	require.NoError(t, err)
	path := s.storage.Path()
	require.Contains(t, out, path.FullPath(jobnode.ConfigNode)+` = {"jobName":"demo"}`)
	require.Contains(t, out, path.FullPath(jobnode.ServerNode("10.0.0.2"))+" = DISABLED")
	for _, line := range strings.Split(out, "\n") {
		if strings.HasPrefix(line, path.FullPath(jobnode.InstanceNode("10.0.0.1@-@1"))) {
			require.Contains(t, line, "(ephemeral)")
		}
	}

	out, err = s.execute(t, "dump", "--job", "absent")
	require.NoError(t, err)
	require.Contains(t, out, "job absent has no node")

	_, err = s.execute(t, "dump")
	require.Regexp(t, ".*required flag.*job.*", err)
}

func TestDumpJSON(t *testing.T) {
	s := newCliSuite(t)

	out, err := s.execute(t, "dump", "--job", "demo", "--json")
	require.NoError(t, err)
	var nodes []node
	require.NoError(t, json.Unmarshal([]byte(out), &nodes))
	ephemeral := map[string]bool{}
	for _, n := range nodes {
		ephemeral[n.Path] = n.Ephemeral
	}
	path := s.storage.Path()
	require.True(t, ephemeral[path.FullPath(jobnode.InstanceNode("10.0.0.1@-@1"))])
	require.False(t, ephemeral[path.FullPath(jobnode.ConfigNode)])
}

func TestServerDisableEnable(t *testing.T) {
	s := newCliSuite(t)
	ctx := context.Background()

	out, err := s.execute(t, "server", "disable", "--job", "demo", "--host", "10.0.0.1")
	require.NoError(t, err)
	require.Contains(t, out, "disabled host 10.0.0.1 of job demo")
	value, err := s.storage.GetJobNodeData(ctx, jobnode.ServerNode("10.0.0.1"))
	require.NoError(t, err)
	require.Equal(t, jobnode.ServerDisabled, value)

	_, err = s.execute(t, "server", "enable", "--job", "demo", "--host", "10.0.0.2")
	require.NoError(t, err)
	value, err = s.storage.GetJobNodeData(ctx, jobnode.ServerNode("10.0.0.2"))
	require.NoError(t, err)
	require.Equal(t, "", value)

	_, err = s.execute(t, "server", "disable", "--job", "demo", "--host", "10.0.0.9")
	require.Regexp(t, ".*ShardJob:ErrCliInvalidArgument.*not registered.*", err)

	_, err = s.execute(t, "server", "disable", "--job", "demo")
	require.Regexp(t, ".*required flag.*host.*", err)
}

func TestServerList(t *testing.T) {
	s := newCliSuite(t)

	servers, err := ListServers(context.Background(), s.node, "demo")
	require.NoError(t, err)
	require.Equal(t, []*Server{
		{IP: "10.0.0.1", Enabled: true, Available: true},
		{IP: "10.0.0.2", Enabled: false, Available: false},
	}, servers)

	out, err := s.execute(t, "server", "list", "--job", "demo")
	require.NoError(t, err)
	var printed []*Server
	require.NoError(t, json.Unmarshal([]byte(out), &printed))
	require.Equal(t, servers, printed)
}

func TestTrigger(t *testing.T) {
	s := newCliSuite(t)
	ctx := context.Background()
	require.NoError(t, s.storage.FillEphemeralJobNode(ctx, jobnode.InstanceNode("10.0.0.2@-@7"), ""))

	out, err := s.execute(t, "trigger", "--job", "demo")
	require.NoError(t, err)
	require.Contains(t, out, "triggered job demo")
	for _, id := range []string{"10.0.0.1@-@1", "10.0.0.2@-@7"} {
		value, err := s.storage.GetJobNodeData(ctx, jobnode.InstanceNode(id))
		require.NoError(t, err)
		require.Equal(t, jobnode.InstanceTrigger, value)
	}
}
