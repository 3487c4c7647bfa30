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

package regcenter

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pingcap/shardjob/pkg/etcd"
	cerror "github.com/pingcap/shardjob/pkg/errors"
	"github.com/stretchr/testify/require"
)

func newTestCenter(t *testing.T, s *etcd.Tester) *EtcdCenter {
	client := etcd.Wrap(s.NewRawClient(t), etcd.NewRequestMetrics())
	center, err := NewEtcdCenter(client, EtcdCenterConfig{
		Namespace:       "/shardjob-test",
		SessionTTL:      5,
		MonitorInterval: 50 * time.Millisecond,
	})
	require.NoError(t, err)
	return center
}

func TestEtcdCenterNodes(t *testing.T) {
	s := &etcd.Tester{}
	s.SetUpTest(t)
	defer s.TearDownTest(t)

	ctx := context.Background()
	center := newTestCenter(t, s)
	defer center.Close()

	require.NoError(t, center.Persist(ctx, "/job/sharding/0", ""))
	require.NoError(t, center.Persist(ctx, "/job/sharding/0/instance", "a"))
	require.NoError(t, center.Persist(ctx, "/job/sharding/1/instance", "b"))
	children, err := center.GetChildrenKeys(ctx, "/job/sharding")
	require.NoError(t, err)
	require.Equal(t, []string{"0", "1"}, children)

	value, ok, err := center.Get(ctx, "/job/sharding/0/instance")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "a", value)

	require.NoError(t, center.Update(ctx, "/job/sharding/0/instance", "c"))
	value, _, err = center.Get(ctx, "/job/sharding/0/instance")
	require.NoError(t, err)
	require.Equal(t, "c", value)

	// Update never creates a node.
	require.NoError(t, center.Update(ctx, "/job/sharding/2/instance", "c"))
	ok, err = center.IsExisted(ctx, "/job/sharding/2/instance")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, center.Remove(ctx, "/job/sharding/0"))
	children, err = center.GetChildrenKeys(ctx, "/job/sharding")
	require.NoError(t, err)
	require.Equal(t, []string{"1"}, children)

	kvs, err := center.Dump(ctx, "/job")
	require.NoError(t, err)
	require.Equal(t, []KeyValue{{Path: "/job/sharding/1/instance", Value: "b"}}, kvs)
}

func TestEtcdCenterEphemeral(t *testing.T) {
	s := &etcd.Tester{}
	s.SetUpTest(t)
	defer s.TearDownTest(t)

	ctx := context.Background()
	a := newTestCenter(t, s)
	b := newTestCenter(t, s)
	defer b.Close()

	require.NoError(t, a.PersistEphemeral(ctx, "/job/instances/a", ""))
	// updating an ephemeral node keeps its lease.
	require.NoError(t, a.Update(ctx, "/job/instances/a", "TRIGGER"))
	kvs, err := b.Dump(ctx, "/job/instances")
	require.NoError(t, err)
	require.Equal(t, []KeyValue{{Path: "/job/instances/a", Value: "TRIGGER", Ephemeral: true}}, kvs)

	require.NoError(t, a.Close())
	ok, err := b.IsExisted(ctx, "/job/instances/a")
	require.NoError(t, err)
	require.False(t, ok)

	_, _, err = a.Get(ctx, "/job/instances/a")
	require.NoError(t, err)
	err = a.PersistEphemeral(ctx, "/job/instances/a", "")
	require.True(t, cerror.ErrRegistryClosed.Equal(err))
}

func TestEtcdCenterCommit(t *testing.T) {
	s := &etcd.Tester{}
	s.SetUpTest(t)
	defer s.TearDownTest(t)

	ctx := context.Background()
	center := newTestCenter(t, s)
	defer center.Close()

	require.NoError(t, center.Persist(ctx, "/job/leader/sharding/necessary", ""))
	ops := []Op{
		CheckExistsOp("/job/leader/sharding/processing"),
		PutOp("/job/sharding/0/instance", "a"),
		DeleteOp("/job/leader/sharding/necessary"),
		DeleteOp("/job/leader/sharding/processing"),
	}
	err := center.Commit(ctx, ops...)
	require.True(t, cerror.ErrRegistryTxnConflict.Equal(err))
	ok, err := center.IsExisted(ctx, "/job/leader/sharding/necessary")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, center.PersistEphemeral(ctx, "/job/leader/sharding/processing", ""))
	require.NoError(t, center.Commit(ctx, ops...))
	kvs, err := center.Dump(ctx, "/job")
	require.NoError(t, err)
	require.Equal(t, []KeyValue{{Path: "/job/sharding/0/instance", Value: "a"}}, kvs)

	err = center.Commit(ctx, CreateOp("/job/sharding/0/instance", "b"))
	require.True(t, cerror.ErrRegistryTxnConflict.Equal(err))
}

func TestEtcdCenterLock(t *testing.T) {
	s := &etcd.Tester{}
	s.SetUpTest(t)
	defer s.TearDownTest(t)

	var (
		mu      sync.Mutex
		holders int
		maxSeen int
		wg      sync.WaitGroup
	)
	centers := make([]*EtcdCenter, 0, 3)
	for i := 0; i < 3; i++ {
		centers = append(centers, newTestCenter(t, s))
	}
	errCh := make(chan error, len(centers))
	for _, center := range centers {
		center := center
		wg.Add(1)
		go func() {
			defer wg.Done()
			errCh <- center.ExecuteInLock(context.Background(), "/job/leader/election/latch",
				func(ctx context.Context) error {
					mu.Lock()
					holders++
					if holders > maxSeen {
						maxSeen = holders
					}
					mu.Unlock()
					time.Sleep(20 * time.Millisecond)
					mu.Lock()
					holders--
					mu.Unlock()
					return nil
				})
		}()
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		require.NoError(t, err)
	}
	require.Equal(t, 1, maxSeen)
	for _, center := range centers {
		require.NoError(t, center.Close())
	}
}

func TestEtcdCenterWatch(t *testing.T) {
	s := &etcd.Tester{}
	s.SetUpTest(t)
	defer s.TearDownTest(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	center := newTestCenter(t, s)
	defer center.Close()

	events, err := center.Watch(ctx, "/job", 0)
	require.NoError(t, err)
	require.NoError(t, center.Persist(ctx, "/job/servers/127.0.0.1", ""))
	require.NoError(t, center.Persist(ctx, "/jobx/servers/127.0.0.1", ""))
	require.NoError(t, center.Persist(ctx, "/job/servers/127.0.0.1", "DISABLED"))
	require.NoError(t, center.Remove(ctx, "/job/servers/127.0.0.1"))

	expected := []Event{
		{Kind: EventCreated, Path: "/job/servers/127.0.0.1", Value: ""},
		{Kind: EventUpdated, Path: "/job/servers/127.0.0.1", Value: "DISABLED"},
		{Kind: EventRemoved, Path: "/job/servers/127.0.0.1", Value: "DISABLED"},
	}
	receive := func(events <-chan Event, expected []Event) []int64 {
		revisions := make([]int64, 0, len(expected))
		for _, ev := range expected {
			select {
			case got := <-events:
				require.Greater(t, got.Revision, int64(0))
				revisions = append(revisions, got.Revision)
				got.Revision = 0
				require.Equal(t, ev, got)
			case <-time.After(10 * time.Second):
				require.FailNow(t, "watch event not received")
			}
		}
		return revisions
	}
	revisions := receive(events, expected)

	// a watch from a past revision replays the later changes
	replayed, err := center.Watch(ctx, "/job", revisions[1])
	require.NoError(t, err)
	require.Equal(t, revisions[1:], receive(replayed, expected[1:]))
}

func TestEtcdCenterSessionLost(t *testing.T) {
	s := &etcd.Tester{}
	s.SetUpTest(t)
	defer s.TearDownTest(t)

	ctx := context.Background()
	center := newTestCenter(t, s)
	defer center.Close()

	states := make(chan ConnectionState, 8)
	center.AddConnectionStateListener(func(state ConnectionState) {
		states <- state
	})
	require.NoError(t, center.PersistEphemeral(ctx, "/job/instances/a", ""))

	// revoking the lease from outside ends the session.
	center.mu.RLock()
	lease := center.session.Lease()
	center.mu.RUnlock()
	_, err := s.NewRawClient(t).Revoke(ctx, lease)
	require.NoError(t, err)

	require.Equal(t, StateLost, waitState(t, states))
	require.Equal(t, StateReconnected, waitState(t, states))
	ok, err := center.IsExisted(ctx, "/job/instances/a")
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, center.PersistEphemeral(ctx, "/job/instances/a", ""))
}

func waitState(t *testing.T, states <-chan ConnectionState) ConnectionState {
	select {
	case state := <-states:
		return state
	case <-time.After(30 * time.Second):
		require.FailNow(t, "connection state not changed")
	}
	return 0
}

func TestEtcdCenterCurrentTime(t *testing.T) {
	s := &etcd.Tester{}
	s.SetUpTest(t)
	defer s.TearDownTest(t)

	center := newTestCenter(t, s)
	defer center.Close()

	now, err := center.CurrentTime(context.Background())
	require.NoError(t, err)
	require.WithinDuration(t, time.Now(), now, 5*time.Second)
}
