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
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	cerrors "github.com/pingcap/shardjob/pkg/errors"
	"github.com/pingcap/shardjob/pkg/retry"
	"github.com/prometheus/client_golang/prometheus"
	v3rpc "go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	clientV3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

// etcd operation names
const (
	EtcdPut = "Put"
	EtcdGet = "Get"
	EtcdTxn = "Txn"
)

const (
	backoffBaseDelay = 500 * time.Millisecond
	backoffMaxDelay  = 60 * time.Second
	// rpcTimeout bounds every remote call including its retries.
	rpcTimeout = 30 * time.Second

	// a watch stream silent for watchStaleAfter is reopened from the next
	// revision of the last received response.
	watchStaleAfter = 10 * time.Second
	// a silent watch stream asks for a progress notify every watchProbeEvery.
	watchProbeEvery = time.Second
	watchBufferSize = 16
)

// set to var instead of const for mocking the value to speedup test
var maxTries uint64 = 12

// Client wraps a clientV3.Client with retries, timeouts, request counters
// and a self healing watch.
type Client struct {
	cli     *clientV3.Client
	kv      clientV3.KV
	watcher clientV3.Watcher
	metrics map[string]prometheus.Counter
	// clock is for making it easier to mock time-related data structures in unit tests
	clock clock.Clock
}

// Wrap warps a clientV3.Client that provides etcd APIs required by the registry center.
func Wrap(cli *clientV3.Client, metrics map[string]prometheus.Counter) *Client {
	return &Client{
		cli:     cli,
		kv:      cli.KV,
		watcher: cli.Watcher,
		metrics: metrics,
		clock:   clock.New(),
	}
}

// Unwrap returns a clientV3.Client
func (c *Client) Unwrap() *clientV3.Client {
	return c.cli
}

// call runs rpc under rpcTimeout and retries it while the error is
// retryable for op. An etcd election takes [3s, 6s), the backoff covers at
// least two rounds of it.
func call[T any](ctx context.Context, c *Client, op string, rpc func(ctx context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, rpcTimeout)
	defer cancel()

	var resp T
	err := retry.Do(context.Background(), func() error {
		if counter, ok := c.metrics[op]; ok {
			counter.Inc()
		}
		var err error
		resp, err = rpc(ctx)
		if err != nil && errors.Cause(err) != context.Canceled {
			log.Warn("etcd RPC failed", zap.String("RPC", op), zap.Error(err))
		}
		return err
	}, retry.WithBackoffBaseDelay(backoffBaseDelay),
		retry.WithBackoffMaxDelay(backoffMaxDelay),
		retry.WithMaxTries(maxTries),
		retry.WithIsRetryableErr(isRetryableError(op)))
	return resp, err
}

// Put delegates request to clientV3.KV.Put
func (c *Client) Put(
	ctx context.Context, key, val string, opts ...clientV3.OpOption,
) (*clientV3.PutResponse, error) {
	return call(ctx, c, EtcdPut, func(ctx context.Context) (*clientV3.PutResponse, error) {
		return c.kv.Put(ctx, key, val, opts...)
	})
}

// Get delegates request to clientV3.KV.Get
func (c *Client) Get(
	ctx context.Context, key string, opts ...clientV3.OpOption,
) (*clientV3.GetResponse, error) {
	return call(ctx, c, EtcdGet, func(ctx context.Context) (*clientV3.GetResponse, error) {
		return c.kv.Get(ctx, key, opts...)
	})
}

// Txn delegates request to clientV3.KV.Txn. Only the transient etcd errors
// are retried, so the returned error is either a non-retryable one or
// ErrReachMaxTry.
func (c *Client) Txn(
	ctx context.Context, cmps []clientV3.Cmp, opsThen, opsElse []clientV3.Op,
) (*clientV3.TxnResponse, error) {
	return call(ctx, c, EtcdTxn, func(ctx context.Context) (*clientV3.TxnResponse, error) {
		return c.kv.Txn(ctx).If(cmps...).Then(opsThen...).Else(opsElse...).Commit()
	})
}

// Watch delegates request to clientV3.Watcher.Watch. The returned channel
// is closed when ctx is done or the client is closed.
func (c *Client) Watch(
	ctx context.Context, key string, name string, opts ...clientV3.OpOption,
) clientV3.WatchChan {
	watchCh := make(chan clientV3.WatchResponse, watchBufferSize)
	go c.WatchWithChan(ctx, watchCh, key, name, opts...)
	return watchCh
}

// WatchWithChan forwards the responses of a watch on key to outCh until ctx
// is done. A stream that stays silent is probed with progress requests and
// reopened when it looks stuck.
func (c *Client) WatchWithChan(
	ctx context.Context, outCh chan<- clientV3.WatchResponse,
	key string, name string, opts ...clientV3.OpOption,
) {
	defer func() {
		close(outCh)
		log.Info("etcd watch exited", zap.String("watch", name), zap.String("key", key))
	}()

	s := &watchStream{client: c, key: key, name: name, opts: opts, rev: revisionOf(opts...)}
	s.open(ctx)
	defer func() { s.cancel() }()

	ticker := c.clock.Ticker(watchProbeEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case resp, ok := <-s.ch:
			if !ok {
				// the underlying watcher is closed, e.g. the client is closed.
				return
			}
			s.received(resp)
			if !s.forward(ctx, outCh, resp, ticker) {
				return
			}
			ticker.Reset(watchProbeEvery)
		case <-ticker.C:
			if err := c.RequestProgress(ctx); err != nil {
				log.Warn("failed to request progress for etcd watcher", zap.Error(err))
			}
			if s.silentFor() >= watchStaleAfter {
				log.Warn("etcd watch stream is silent too long, reopen it",
					zap.Duration("duration", s.silentFor()), zap.String("watch", name))
				s.cancel()
				s.open(ctx)
			}
		}
	}
}

// watchStream is the current underlying watch of WatchWithChan.
type watchStream struct {
	client *Client
	key    string
	name   string
	opts   []clientV3.OpOption

	ch       clientV3.WatchChan
	cancel   context.CancelFunc
	rev      int64
	lastRecv time.Time
}

// open starts a watch from the revision after the last received one.
func (s *watchStream) open(ctx context.Context) {
	opts := append([]clientV3.OpOption{}, s.opts...)
	if s.rev > 0 {
		opts = append(opts, clientV3.WithRev(s.rev+1))
	}
	var watchCtx context.Context
	watchCtx, s.cancel = context.WithCancel(ctx)
	s.ch = s.client.watcher.Watch(watchCtx, s.key, opts...)
	s.lastRecv = s.client.clock.Now()
}

func (s *watchStream) received(resp clientV3.WatchResponse) {
	s.lastRecv = s.client.clock.Now()
	if resp.Err() == nil && !resp.IsProgressNotify() {
		s.rev = resp.Header.Revision
	}
}

func (s *watchStream) silentFor() time.Duration {
	return s.client.clock.Since(s.lastRecv)
}

// forward blocks until resp is delivered, a lost response would break the
// listeners. It returns false if ctx is done first.
func (s *watchStream) forward(
	ctx context.Context, outCh chan<- clientV3.WatchResponse,
	resp clientV3.WatchResponse, ticker *clock.Ticker,
) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case outCh <- resp:
			return true
		case <-ticker.C:
			if s.silentFor() >= watchStaleAfter {
				log.Warn("etcd watch consumer is blocked, the listener may be stuck",
					zap.Duration("duration", s.silentFor()), zap.String("watch", s.name))
			}
		}
	}
}

// RequestProgress requests a progress notify response be sent in all watch channels.
func (c *Client) RequestProgress(ctx context.Context) error {
	return c.watcher.RequestProgress(ctx)
}

func isRetryableError(op string) retry.IsRetryable {
	return func(err error) bool {
		if !cerrors.IsRetryableError(err) {
			return false
		}
		// a Txn may have been applied, only the errors raised before
		// applying are safe to retry.
		if op == EtcdTxn {
			return isRetryableEtcdError(err)
		}
		return true
	}
}

// isRetryableEtcdError is used to check what error can be retried.
func isRetryableEtcdError(err error) bool {
	switch errors.Cause(err) {
	// resource exhausted, may recover after some time
	case v3rpc.ErrNoSpace, v3rpc.ErrTooManyRequests:
		return true
	// unavailable, may be available after a new leader is elected
	case v3rpc.ErrNoLeader, v3rpc.ErrLeaderChanged, v3rpc.ErrNotCapable, v3rpc.ErrStopped, v3rpc.ErrTimeout,
		v3rpc.ErrTimeoutDueToLeaderFail, v3rpc.ErrGRPCTimeoutDueToConnectionLost, v3rpc.ErrUnhealthy:
		return true
	default:
		return false
	}
}

func revisionOf(opts ...clientV3.OpOption) int64 {
	op := &clientV3.Op{}
	for _, opt := range opts {
		opt(op)
	}
	return op.Rev()
}
