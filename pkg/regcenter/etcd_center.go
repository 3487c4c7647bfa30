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
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pingcap/errors"
	"github.com/pingcap/failpoint"
	"github.com/pingcap/log"
	"github.com/pingcap/shardjob/pkg/etcd"
	cerror "github.com/pingcap/shardjob/pkg/errors"
	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"google.golang.org/grpc/connectivity"
)

const (
	defaultSessionTTL      = 10 // seconds
	defaultMonitorInterval = time.Second
	unlockTimeout          = 5 * time.Second
	httpTimeout            = 3 * time.Second
)

// EtcdCenterConfig configures an EtcdCenter.
type EtcdCenterConfig struct {
	// Namespace is prepended to every path, e.g. "/shardjob".
	Namespace string
	// SessionTTL is the lease TTL of ephemeral nodes, in seconds.
	SessionTTL int
	// MonitorInterval is the period to probe the connection state.
	MonitorInterval time.Duration
}

// EtcdCenter is a Center backed by etcd. Ephemeral nodes are bound to the
// lease of a concurrency.Session, locks are concurrency.Mutex and Commit is
// a single etcd transaction.
type EtcdCenter struct {
	client *etcd.Client
	cfg    EtcdCenterConfig

	mu        sync.RWMutex
	session   *concurrency.Session
	listeners []ConnectionStateListener
	state     ConnectionState

	httpClient *http.Client
	limiter    *rate.Limiter
	closed     atomic.Bool
	// ctx bounds the lifetime of sessions and the connection monitor.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ Center = (*EtcdCenter)(nil)

// NewEtcdCenter creates an EtcdCenter and opens its session.
func NewEtcdCenter(client *etcd.Client, cfg EtcdCenterConfig) (*EtcdCenter, error) {
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = defaultSessionTTL
	}
	if cfg.MonitorInterval <= 0 {
		cfg.MonitorInterval = defaultMonitorInterval
	}
	cfg.Namespace = strings.TrimSuffix(cfg.Namespace, "/")
	c := &EtcdCenter{
		client:     client,
		cfg:        cfg,
		state:      StateConnected,
		httpClient: &http.Client{Timeout: httpTimeout},
		// a new session per 5 seconds at most
		limiter: rate.NewLimiter(0.2, 1),
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	session, err := c.newSession(c.ctx)
	if err != nil {
		c.cancel()
		return nil, errors.Trace(err)
	}
	c.session = session

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.monitor(c.ctx)
	}()
	return c, nil
}

func (c *EtcdCenter) newSession(ctx context.Context) (*concurrency.Session, error) {
	session, err := concurrency.NewSession(c.client.Unwrap(),
		concurrency.WithTTL(c.cfg.SessionTTL), concurrency.WithContext(ctx))
	if err != nil {
		return nil, cerror.WrapError(cerror.ErrEtcdAPIError, err)
	}
	log.Info("registry center session created",
		zap.String("namespace", c.cfg.Namespace),
		zap.Int64("lease", int64(session.Lease())))
	return session, nil
}

func (c *EtcdCenter) currentSession() (*concurrency.Session, error) {
	if c.closed.Load() {
		return nil, cerror.ErrRegistryClosed.GenWithStackByArgs()
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session, nil
}

func (c *EtcdCenter) key(path string) string {
	return c.cfg.Namespace + path
}

func (c *EtcdCenter) path(key string) string {
	return strings.TrimPrefix(key, c.cfg.Namespace)
}

// IsExisted implements Center.
func (c *EtcdCenter) IsExisted(ctx context.Context, path string) (bool, error) {
	_, ok, err := c.Get(ctx, path)
	return ok, err
}

// Get implements Center.
func (c *EtcdCenter) Get(ctx context.Context, path string) (string, bool, error) {
	resp, err := c.client.Get(ctx, c.key(path))
	if err != nil {
		return "", false, cerror.WrapError(cerror.ErrRegistryCenter, err, path)
	}
	if len(resp.Kvs) == 0 {
		return "", false, nil
	}
	return string(resp.Kvs[0].Value), true, nil
}

// GetChildrenKeys implements Center.
func (c *EtcdCenter) GetChildrenKeys(ctx context.Context, path string) ([]string, error) {
	prefix := c.key(strings.TrimSuffix(path, "/")) + "/"
	resp, err := c.client.Get(ctx, prefix,
		clientv3.WithPrefix(), clientv3.WithKeysOnly(), clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend))
	if err != nil {
		return nil, cerror.WrapError(cerror.ErrRegistryCenter, err, path)
	}
	children := make([]string, 0)
	seen := make(map[string]struct{})
	for _, kv := range resp.Kvs {
		name := ChildName(path, c.path(string(kv.Key)))
		if name == "" {
			continue
		}
		if _, ok := seen[name]; !ok {
			seen[name] = struct{}{}
			children = append(children, name)
		}
	}
	sort.Strings(children)
	return children, nil
}

// Persist implements Center.
func (c *EtcdCenter) Persist(ctx context.Context, path, value string) error {
	_, err := c.client.Put(ctx, c.key(path), value)
	return cerror.WrapError(cerror.ErrRegistryCenter, err, path)
}

// PersistEphemeral implements Center.
func (c *EtcdCenter) PersistEphemeral(ctx context.Context, path, value string) error {
	session, err := c.currentSession()
	if err != nil {
		return err
	}
	_, err = c.client.Put(ctx, c.key(path), value, clientv3.WithLease(session.Lease()))
	return cerror.WrapError(cerror.ErrRegistryCenter, err, path)
}

// Update implements Center.
func (c *EtcdCenter) Update(ctx context.Context, path, value string) error {
	key := c.key(path)
	_, err := c.client.Txn(ctx,
		[]clientv3.Cmp{clientv3.Compare(clientv3.Version(key), ">", 0)},
		[]clientv3.Op{clientv3.OpPut(key, value, clientv3.WithIgnoreLease())},
		nil)
	return cerror.WrapError(cerror.ErrRegistryCenter, err, path)
}

// Remove implements Center.
func (c *EtcdCenter) Remove(ctx context.Context, path string) error {
	key := c.key(strings.TrimSuffix(path, "/"))
	_, err := c.client.Txn(ctx, nil, []clientv3.Op{
		clientv3.OpDelete(key),
		clientv3.OpDelete(key+"/", clientv3.WithPrefix()),
	}, nil)
	return cerror.WrapError(cerror.ErrRegistryCenter, err, path)
}

// Commit implements Center.
func (c *EtcdCenter) Commit(ctx context.Context, ops ...Op) error {
	session, err := c.currentSession()
	if err != nil {
		return err
	}
	cmps := make([]clientv3.Cmp, 0, len(ops))
	thenOps := make([]clientv3.Op, 0, len(ops))
	for _, op := range ops {
		key := c.key(op.Path)
		switch op.Type {
		case OpCreate:
			cmps = append(cmps, clientv3.Compare(clientv3.CreateRevision(key), "=", 0))
			thenOps = append(thenOps, clientv3.OpPut(key, op.Value))
		case OpPut:
			thenOps = append(thenOps, clientv3.OpPut(key, op.Value))
		case OpPutEphemeral:
			thenOps = append(thenOps, clientv3.OpPut(key, op.Value, clientv3.WithLease(session.Lease())))
		case OpDelete:
			thenOps = append(thenOps, clientv3.OpDelete(key))
		case OpCheckExists:
			cmps = append(cmps, clientv3.Compare(clientv3.Version(key), ">", 0))
		}
	}
	failpoint.Inject("RegistryCenterCommitFailed", func() {
		failpoint.Return(cerror.ErrRegistryTxnConflict.GenWithStackByArgs())
	})
	resp, err := c.client.Txn(ctx, cmps, thenOps, nil)
	if err != nil {
		return cerror.WrapError(cerror.ErrRegistryCenter, err, "txn")
	}
	if !resp.Succeeded {
		return cerror.ErrRegistryTxnConflict.GenWithStackByArgs()
	}
	return nil
}

// ExecuteInLock implements Center.
func (c *EtcdCenter) ExecuteInLock(
	ctx context.Context, path string, fn func(ctx context.Context) error,
) error {
	session, err := c.currentSession()
	if err != nil {
		return err
	}
	mutex := concurrency.NewMutex(session, c.key(path))
	if err := mutex.Lock(ctx); err != nil {
		if errors.Cause(err) == context.Canceled {
			return errors.Trace(err)
		}
		return cerror.WrapError(cerror.ErrRegistryCenter, err, path)
	}
	defer func() {
		unlockCtx, cancel := context.WithTimeout(context.Background(), unlockTimeout)
		defer cancel()
		if err := mutex.Unlock(unlockCtx); err != nil {
			log.Warn("release registry center lock failed",
				zap.String("path", path), zap.Error(err))
		}
	}()
	return fn(ctx)
}

// Watch implements Center.
func (c *EtcdCenter) Watch(ctx context.Context, prefix string, fromRevision int64) (<-chan Event, error) {
	if _, err := c.currentSession(); err != nil {
		return nil, err
	}
	out := make(chan Event, 16)
	key := c.key(prefix)
	opts := []clientv3.OpOption{clientv3.WithPrefix(), clientv3.WithPrevKV()}
	if fromRevision > 0 {
		opts = append(opts, clientv3.WithRev(fromRevision))
	}
	watchCh := c.client.Watch(ctx, key, "registry-center", opts...)
	go func() {
		defer close(out)
		for resp := range watchCh {
			if err := resp.Err(); err != nil {
				log.Warn("registry center watch failed", zap.String("prefix", prefix),
					zap.Int64("fromRevision", fromRevision), zap.Int64("compactRevision", resp.CompactRevision),
					zap.Error(err))
				return
			}
			for _, ev := range resp.Events {
				path := c.path(string(ev.Kv.Key))
				if !IsDescendantOrSelf(prefix, path) {
					continue
				}
				event := Event{Path: path, Revision: ev.Kv.ModRevision}
				switch ev.Type {
				case clientv3.EventTypePut:
					event.Value = string(ev.Kv.Value)
					event.Kind = EventUpdated
					if ev.IsCreate() {
						event.Kind = EventCreated
					}
				case clientv3.EventTypeDelete:
					event.Kind = EventRemoved
					if ev.PrevKv != nil {
						event.Value = string(ev.PrevKv.Value)
					}
				}
				select {
				case <-ctx.Done():
					return
				case out <- event:
				}
			}
		}
	}()
	return out, nil
}

// AddConnectionStateListener implements Center.
func (c *EtcdCenter) AddConnectionStateListener(listener ConnectionStateListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, listener)
}

// CurrentTime implements Center. etcd has no clock query, the Date header of
// the HTTP version endpoint served by the members is used instead.
func (c *EtcdCenter) CurrentTime(ctx context.Context) (time.Time, error) {
	var lastErr error
	for _, endpoint := range c.client.Unwrap().Endpoints() {
		if !strings.Contains(endpoint, "://") {
			endpoint = "http://" + endpoint
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"/version", nil)
		if err != nil {
			lastErr = err
			continue
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		_ = resp.Body.Close()
		now, err := http.ParseTime(resp.Header.Get("Date"))
		if err != nil {
			lastErr = err
			continue
		}
		return now, nil
	}
	return time.Time{}, cerror.WrapError(cerror.ErrRegistryCenter, lastErr, "/version")
}

// Dump implements Center.
func (c *EtcdCenter) Dump(ctx context.Context, prefix string) ([]KeyValue, error) {
	resp, err := c.client.Get(ctx, c.key(prefix),
		clientv3.WithPrefix(), clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend))
	if err != nil {
		return nil, cerror.WrapError(cerror.ErrRegistryCenter, err, prefix)
	}
	kvs := make([]KeyValue, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		path := c.path(string(kv.Key))
		if !IsDescendantOrSelf(prefix, path) {
			continue
		}
		kvs = append(kvs, KeyValue{Path: path, Value: string(kv.Value), Ephemeral: kv.Lease != 0})
	}
	return kvs, nil
}

// Close stops the connection monitor and revokes the session lease, which
// removes every ephemeral node of this center.
func (c *EtcdCenter) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.cancel()
	c.wg.Wait()

	c.mu.RLock()
	lease := c.session.Lease()
	c.mu.RUnlock()
	ctx, cancel := context.WithTimeout(context.Background(), unlockTimeout)
	defer cancel()
	// the session context is cancelled, revoke the lease directly.
	_, err := c.client.Unwrap().Revoke(ctx, lease)
	if err != nil && errors.Cause(err) != rpctypes.ErrLeaseNotFound {
		return cerror.WrapError(cerror.ErrEtcdAPIError, err)
	}
	return nil
}

func (c *EtcdCenter) setState(state ConnectionState) {
	c.mu.Lock()
	if c.state == state {
		c.mu.Unlock()
		return
	}
	c.state = state
	listeners := append([]ConnectionStateListener{}, c.listeners...)
	c.mu.Unlock()

	log.Info("registry center connection state changed",
		zap.String("namespace", c.cfg.Namespace), zap.Stringer("state", state))
	for _, listener := range listeners {
		listener(state)
	}
}

func (c *EtcdCenter) monitor(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.MonitorInterval)
	defer ticker.Stop()
	for {
		c.mu.RLock()
		session := c.session
		c.mu.RUnlock()

		select {
		case <-ctx.Done():
			return
		case <-session.Done():
			c.setState(StateLost)
			if err := c.renewSession(ctx); err != nil {
				// only the context can stop the renewal
				return
			}
			c.setState(StateReconnected)
		case <-ticker.C:
			conn := c.client.Unwrap().ActiveConnection()
			if conn == nil {
				continue
			}
			c.mu.RLock()
			state := c.state
			c.mu.RUnlock()
			switch conn.GetState() {
			case connectivity.TransientFailure, connectivity.Connecting:
				if state != StateSuspended && state != StateLost {
					c.setState(StateSuspended)
				}
			case connectivity.Ready:
				if state == StateSuspended {
					c.setState(StateReconnected)
				}
			}
		}
	}
}

func (c *EtcdCenter) renewSession(ctx context.Context) error {
	policy := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)
	return backoff.Retry(func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		session, err := c.newSession(ctx)
		if err != nil {
			log.Warn("renew registry center session failed", zap.Error(err))
			return err
		}
		c.mu.Lock()
		c.session = session
		c.mu.Unlock()
		return nil
	}, policy)
}
