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

package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pingcap/log"
	cerror "github.com/pingcap/shardjob/pkg/errors"
	"github.com/pingcap/shardjob/pkg/regcenter"
	"go.uber.org/zap"
)

type node struct {
	value string
	// session is the owner session of an ephemeral node, 0 for persistent ones.
	session int64
}

// Store is an in-process coordination store shared by several Centers.
// Every Center owns one session, ephemeral nodes of the session are removed
// when it expires or is closed.
type Store struct {
	mu          sync.Mutex
	nodes       map[string]*node
	watchers    map[*watcher]struct{}
	locks       map[string]chan struct{}
	nextSession int64
	revision    int64
	history     []regcenter.Event
	clock       clock.Clock
}

// NewStore creates an empty Store. A nil clock means the wall clock.
func NewStore(clk clock.Clock) *Store {
	if clk == nil {
		clk = clock.New()
	}
	return &Store{
		nodes:    make(map[string]*node),
		watchers: make(map[*watcher]struct{}),
		locks:    make(map[string]chan struct{}),
		clock:    clk,
	}
}

// NewCenter opens a new session on the store.
func (s *Store) NewCenter() *Center {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSession++
	return &Center{store: s, session: s.nextSession}
}

func (s *Store) newSessionLocked() int64 {
	s.nextSession++
	return s.nextSession
}

// emitLocked must be called with s.mu held.
func (s *Store) emitLocked(ev regcenter.Event) {
	s.revision++
	ev.Revision = s.revision
	s.history = append(s.history, ev)
	for w := range s.watchers {
		if regcenter.IsDescendantOrSelf(w.prefix, ev.Path) {
			w.push(ev)
		}
	}
}

func (s *Store) putLocked(path, value string, session int64) {
	kind := regcenter.EventUpdated
	if _, ok := s.nodes[path]; !ok {
		kind = regcenter.EventCreated
	}
	s.nodes[path] = &node{value: value, session: session}
	s.emitLocked(regcenter.Event{Kind: kind, Path: path, Value: value})
}

func (s *Store) deleteLocked(path string) {
	n, ok := s.nodes[path]
	if !ok {
		return
	}
	delete(s.nodes, path)
	s.emitLocked(regcenter.Event{Kind: regcenter.EventRemoved, Path: path, Value: n.value})
}

func (s *Store) sortedPathsLocked(match func(path string) bool) []string {
	paths := make([]string, 0)
	for path := range s.nodes {
		if match(path) {
			paths = append(paths, path)
		}
	}
	sort.Strings(paths)
	return paths
}

func (s *Store) expireLocked(session int64) {
	for _, path := range s.sortedPathsLocked(func(path string) bool {
		return s.nodes[path].session == session
	}) {
		s.deleteLocked(path)
	}
}

func (s *Store) lock(path string) chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.locks[path]
	if !ok {
		ch = make(chan struct{}, 1)
		s.locks[path] = ch
	}
	return ch
}

// Center is a regcenter.Center backed by a Store.
type Center struct {
	store *Store

	mu        sync.Mutex
	session   int64
	closed    bool
	listeners []regcenter.ConnectionStateListener
}

var _ regcenter.Center = (*Center)(nil)

func (c *Center) currentSession() (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, cerror.ErrRegistryClosed.GenWithStackByArgs()
	}
	return c.session, nil
}

// IsExisted implements regcenter.Center.
func (c *Center) IsExisted(ctx context.Context, path string) (bool, error) {
	_, ok, err := c.Get(ctx, path)
	return ok, err
}

// Get implements regcenter.Center.
func (c *Center) Get(_ context.Context, path string) (string, bool, error) {
	if _, err := c.currentSession(); err != nil {
		return "", false, err
	}
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	n, ok := c.store.nodes[path]
	if !ok {
		return "", false, nil
	}
	return n.value, true, nil
}

// GetChildrenKeys implements regcenter.Center.
func (c *Center) GetChildrenKeys(_ context.Context, path string) ([]string, error) {
	if _, err := c.currentSession(); err != nil {
		return nil, err
	}
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	seen := make(map[string]struct{})
	children := make([]string, 0)
	for key := range c.store.nodes {
		name := regcenter.ChildName(path, key)
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

// Persist implements regcenter.Center.
func (c *Center) Persist(_ context.Context, path, value string) error {
	if _, err := c.currentSession(); err != nil {
		return err
	}
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	c.store.putLocked(path, value, 0)
	return nil
}

// PersistEphemeral implements regcenter.Center.
func (c *Center) PersistEphemeral(_ context.Context, path, value string) error {
	session, err := c.currentSession()
	if err != nil {
		return err
	}
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	c.store.putLocked(path, value, session)
	return nil
}

// Update implements regcenter.Center.
func (c *Center) Update(_ context.Context, path, value string) error {
	if _, err := c.currentSession(); err != nil {
		return err
	}
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	n, ok := c.store.nodes[path]
	if !ok {
		return nil
	}
	c.store.putLocked(path, value, n.session)
	return nil
}

// Remove implements regcenter.Center.
func (c *Center) Remove(_ context.Context, path string) error {
	if _, err := c.currentSession(); err != nil {
		return err
	}
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	for _, p := range c.store.sortedPathsLocked(func(p string) bool {
		return regcenter.IsDescendantOrSelf(path, p)
	}) {
		c.store.deleteLocked(p)
	}
	return nil
}

// Commit implements regcenter.Center.
func (c *Center) Commit(_ context.Context, ops ...regcenter.Op) error {
	session, err := c.currentSession()
	if err != nil {
		return err
	}
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	for _, op := range ops {
		_, exists := c.store.nodes[op.Path]
		switch op.Type {
		case regcenter.OpCreate:
			if exists {
				return cerror.ErrRegistryTxnConflict.GenWithStackByArgs()
			}
		case regcenter.OpCheckExists:
			if !exists {
				return cerror.ErrRegistryTxnConflict.GenWithStackByArgs()
			}
		}
	}
	for _, op := range ops {
		switch op.Type {
		case regcenter.OpCreate, regcenter.OpPut:
			c.store.putLocked(op.Path, op.Value, 0)
		case regcenter.OpPutEphemeral:
			c.store.putLocked(op.Path, op.Value, session)
		case regcenter.OpDelete:
			c.store.deleteLocked(op.Path)
		}
	}
	return nil
}

// ExecuteInLock implements regcenter.Center.
func (c *Center) ExecuteInLock(
	ctx context.Context, path string, fn func(ctx context.Context) error,
) error {
	if _, err := c.currentSession(); err != nil {
		return err
	}
	lock := c.store.lock(path)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case lock <- struct{}{}:
	}
	defer func() { <-lock }()
	return fn(ctx)
}

// Watch implements regcenter.Center.
func (c *Center) Watch(ctx context.Context, prefix string, fromRevision int64) (<-chan regcenter.Event, error) {
	if _, err := c.currentSession(); err != nil {
		return nil, err
	}
	w := &watcher{
		prefix: prefix,
		signal: make(chan struct{}, 1),
		out:    make(chan regcenter.Event, 16),
	}
	c.store.mu.Lock()
	if fromRevision > 0 {
		for _, ev := range c.store.history {
			if ev.Revision >= fromRevision && regcenter.IsDescendantOrSelf(prefix, ev.Path) {
				w.push(ev)
			}
		}
	}
	c.store.watchers[w] = struct{}{}
	c.store.mu.Unlock()

	go func() {
		defer func() {
			c.store.mu.Lock()
			delete(c.store.watchers, w)
			c.store.mu.Unlock()
			close(w.out)
		}()
		w.run(ctx)
	}()
	return w.out, nil
}

// AddConnectionStateListener implements regcenter.Center.
func (c *Center) AddConnectionStateListener(listener regcenter.ConnectionStateListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, listener)
}

// CurrentTime implements regcenter.Center.
func (c *Center) CurrentTime(_ context.Context) (time.Time, error) {
	if _, err := c.currentSession(); err != nil {
		return time.Time{}, err
	}
	return c.store.clock.Now(), nil
}

// Dump implements regcenter.Center.
func (c *Center) Dump(_ context.Context, prefix string) ([]regcenter.KeyValue, error) {
	if _, err := c.currentSession(); err != nil {
		return nil, err
	}
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	paths := c.store.sortedPathsLocked(func(p string) bool {
		return regcenter.IsDescendantOrSelf(prefix, p)
	})
	kvs := make([]regcenter.KeyValue, 0, len(paths))
	for _, p := range paths {
		n := c.store.nodes[p]
		kvs = append(kvs, regcenter.KeyValue{Path: p, Value: n.value, Ephemeral: n.session != 0})
	}
	return kvs, nil
}

// Close ends the session and removes its ephemeral nodes.
func (c *Center) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	session := c.session
	c.mu.Unlock()

	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	c.store.expireLocked(session)
	return nil
}

// Suspend simulates a degraded connection, the session is kept.
func (c *Center) Suspend() {
	c.notify(regcenter.StateSuspended)
}

// Expire simulates a session loss: listeners are told the connection is
// lost, then every ephemeral node of the session is removed. A new session is
// opened for the following operations.
func (c *Center) Expire() {
	c.notify(regcenter.StateLost)
	c.mu.Lock()
	old := c.session
	c.store.mu.Lock()
	c.session = c.store.newSessionLocked()
	c.store.expireLocked(old)
	c.store.mu.Unlock()
	c.mu.Unlock()
	log.Info("memory registry center session expired", zap.Int64("session", old))
}

// Reconnect simulates the recovery of the connection.
func (c *Center) Reconnect() {
	c.notify(regcenter.StateReconnected)
}

func (c *Center) notify(state regcenter.ConnectionState) {
	c.mu.Lock()
	listeners := append([]regcenter.ConnectionStateListener{}, c.listeners...)
	c.mu.Unlock()
	for _, listener := range listeners {
		listener(state)
	}
}

// watcher buffers events without bound so that writers never block on slow
// readers.
type watcher struct {
	prefix string
	mu     sync.Mutex
	queue  []regcenter.Event
	signal chan struct{}
	out    chan regcenter.Event
}

func (w *watcher) push(ev regcenter.Event) {
	w.mu.Lock()
	w.queue = append(w.queue, ev)
	w.mu.Unlock()
	select {
	case w.signal <- struct{}{}:
	default:
	}
}

func (w *watcher) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.signal:
		}
		w.mu.Lock()
		events := w.queue
		w.queue = nil
		w.mu.Unlock()
		for _, ev := range events {
			select {
			case <-ctx.Done():
				return
			case w.out <- ev:
			}
		}
	}
}
