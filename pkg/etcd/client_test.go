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

package etcd

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pingcap/errors"
	"github.com/stretchr/testify/require"
	"go.etcd.io/etcd/api/v3/etcdserverpb"
	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	clientv3 "go.etcd.io/etcd/client/v3"
)

type mockKV struct {
	clientv3.KV
	putCalls int32
	getCalls int32
}

func (m *mockKV) Get(ctx context.Context, key string, opts ...clientv3.OpOption) (*clientv3.GetResponse, error) {
	if atomic.AddInt32(&m.getCalls, 1) == 1 {
		return nil, errors.New("mock error")
	}
	return &clientv3.GetResponse{}, nil
}

func (m *mockKV) Put(ctx context.Context, key, val string, opts ...clientv3.OpOption) (*clientv3.PutResponse, error) {
	atomic.AddInt32(&m.putCalls, 1)
	return nil, errors.New("mock error")
}

func (m *mockKV) Txn(ctx context.Context) clientv3.Txn {
	return &mockTxn{ctx: ctx}
}

type mockTxn struct {
	ctx  context.Context
	mode int
}

func (txn *mockTxn) If(cs ...clientv3.Cmp) clientv3.Txn {
	if cs != nil {
		txn.mode++
	}
	return txn
}

func (txn *mockTxn) Then(ops ...clientv3.Op) clientv3.Txn {
	if ops != nil {
		txn.mode++
	}
	return txn
}

func (txn *mockTxn) Else(ops ...clientv3.Op) clientv3.Txn {
	return txn
}

func (txn *mockTxn) Commit() (*clientv3.TxnResponse, error) {
	switch txn.mode {
	case 0:
		return &clientv3.TxnResponse{}, nil
	case 1:
		return nil, rpctypes.ErrNoSpace
	case 2:
		return nil, rpctypes.ErrTimeoutDueToLeaderFail
	default:
		return nil, context.DeadlineExceeded
	}
}

func TestRetry(t *testing.T) {
	originValue := maxTries
	// to speedup the test
	maxTries = 2
	defer func() { maxTries = originValue }()

	kv := &mockKV{}
	cli := &Client{kv: kv, metrics: NewRequestMetrics(), clock: clock.New()}

	resp, err := cli.Get(context.Background(), "")
	require.NoError(t, err)
	require.NotNil(t, resp)
	require.Equal(t, int32(2), atomic.LoadInt32(&kv.getCalls))

	_, err = cli.Put(context.Background(), "", "")
	require.Regexp(t, ".*ShardJob:ErrReachMaxTry.*", err)
	require.Equal(t, int32(2), atomic.LoadInt32(&kv.putCalls))

	// The Txn is retried only on the retryable etcd errors.
	_, err = cli.Txn(context.Background(), nil, nil, nil)
	require.NoError(t, err)
	_, err = cli.Txn(context.Background(), []clientv3.Cmp{}, nil, nil)
	require.Regexp(t, ".*ShardJob:ErrReachMaxTry.*", err)
	_, err = cli.Txn(context.Background(), []clientv3.Cmp{}, []clientv3.Op{}, nil)
	require.Regexp(t, ".*ShardJob:ErrReachMaxTry.*", err)
	_, err = cli.Txn(context.Background(), []clientv3.Cmp{}, []clientv3.Op{}, []clientv3.Op{})
	require.Regexp(t, ".*ShardJob:ErrReachMaxTry.*", err)
}

type mockWatcher struct {
	clientv3.Watcher
	watchCh      chan clientv3.WatchResponse
	resetCount   int32
	requestCount int32
	rev          int64
}

func (m *mockWatcher) Watch(ctx context.Context, key string, opts ...clientv3.OpOption) clientv3.WatchChan {
	atomic.AddInt32(&m.resetCount, 1)
	op := &clientv3.Op{}
	for _, opt := range opts {
		opt(op)
	}
	atomic.StoreInt64(&m.rev, op.Rev())
	return m.watchCh
}

func (m *mockWatcher) RequestProgress(ctx context.Context) error {
	atomic.AddInt32(&m.requestCount, 1)
	return nil
}

func TestWatchChBlocked(t *testing.T) {
	t.Parallel()

	watcher := &mockWatcher{watchCh: make(chan clientv3.WatchResponse, 1)}
	mockClock := clock.NewMock()
	cli := &Client{watcher: watcher, clock: mockClock}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	outCh := make(chan clientv3.WatchResponse, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		cli.WatchWithChan(ctx, outCh, "/shardjob", "test", clientv3.WithPrefix())
	}()

	watcher.watchCh <- clientv3.WatchResponse{Header: etcdserverpb.ResponseHeader{Revision: 10}}
	require.Eventually(t, func() bool {
		select {
		case resp := <-outCh:
			return resp.Header.Revision == 10
		default:
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)

	// nothing arrives for a long time, the watch channel is reset from the
	// next revision of the last received response.
	require.Eventually(t, func() bool {
		mockClock.Add(time.Second)
		return atomic.LoadInt32(&watcher.resetCount) >= 2
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, int64(11), atomic.LoadInt64(&watcher.rev))
	require.Greater(t, atomic.LoadInt32(&watcher.requestCount), int32(0))

	cancel()
	<-done
	_, ok := <-outCh
	require.False(t, ok)
}

func TestIsRetryableEtcdError(t *testing.T) {
	t.Parallel()

	require.True(t, isRetryableEtcdError(rpctypes.ErrNoLeader))
	require.True(t, isRetryableEtcdError(errors.Trace(rpctypes.ErrTooManyRequests)))
	require.False(t, isRetryableEtcdError(errors.New("unknown")))
	require.False(t, isRetryableError(EtcdGet)(context.Canceled))
	require.True(t, isRetryableError(EtcdGet)(errors.New("unknown")))
}
