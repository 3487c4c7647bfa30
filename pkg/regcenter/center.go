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
	"strings"
	"time"
)

// EventKind is the type of a node change observed by a watch.
type EventKind int

// All kinds of node change.
const (
	EventCreated EventKind = iota + 1
	EventUpdated
	EventRemoved
)

func (k EventKind) String() string {
	switch k {
	case EventCreated:
		return "created"
	case EventUpdated:
		return "updated"
	case EventRemoved:
		return "removed"
	}
	return "unknown"
}

// Event is a change of one node. Value is the removed value for EventRemoved.
// Revision is the store revision of the change.
type Event struct {
	Kind     EventKind
	Path     string
	Value    string
	Revision int64
}

// ConnectionState is the state of the session between a Center and the store.
type ConnectionState int

// All connection states.
const (
	StateConnected ConnectionState = iota + 1
	// StateSuspended means the store is unreachable but the session may still be alive.
	StateSuspended
	// StateLost means the session is gone and all ephemeral nodes are expired.
	StateLost
	StateReconnected
)

func (s ConnectionState) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateSuspended:
		return "suspended"
	case StateLost:
		return "lost"
	case StateReconnected:
		return "reconnected"
	}
	return "unknown"
}

// ConnectionStateListener is called on session state changes.
type ConnectionStateListener func(state ConnectionState)

// OpType is the type of an operation in a transaction.
type OpType int

// All transaction operation types.
const (
	// OpCreate fails the transaction if the node exists.
	OpCreate OpType = iota + 1
	OpPut
	OpPutEphemeral
	OpDelete
	// OpCheckExists fails the transaction if the node is absent.
	OpCheckExists
)

// Op is one operation in a transaction.
type Op struct {
	Type  OpType
	Path  string
	Value string
}

// CreateOp creates a persistent node.
func CreateOp(path, value string) Op { return Op{Type: OpCreate, Path: path, Value: value} }

// PutOp writes a persistent node.
func PutOp(path, value string) Op { return Op{Type: OpPut, Path: path, Value: value} }

// PutEphemeralOp writes a node bound to the session.
func PutEphemeralOp(path, value string) Op {
	return Op{Type: OpPutEphemeral, Path: path, Value: value}
}

// DeleteOp deletes a node. Children of the node are kept.
func DeleteOp(path string) Op { return Op{Type: OpDelete, Path: path} }

// CheckExistsOp guards a transaction on the existence of a node.
func CheckExistsOp(path string) Op { return Op{Type: OpCheckExists, Path: path} }

// KeyValue is one node and its value.
type KeyValue struct {
	Path      string
	Value     string
	Ephemeral bool
}

// Center is the hierarchical coordination store shared by all job instances.
// Paths are slash separated and absolute, e.g. /job/sharding/0/instance.
// A node may hold a value and have children at the same time.
type Center interface {
	IsExisted(ctx context.Context, path string) (bool, error)
	// Get returns the value of the node and whether it exists.
	Get(ctx context.Context, path string) (string, bool, error)
	// GetChildrenKeys returns the sorted names of direct children.
	GetChildrenKeys(ctx context.Context, path string) ([]string, error)
	Persist(ctx context.Context, path, value string) error
	// PersistEphemeral writes a node that is removed when the session ends.
	PersistEphemeral(ctx context.Context, path, value string) error
	// Update changes the value of an existing node and keeps its lifetime.
	// It does nothing if the node does not exist.
	Update(ctx context.Context, path, value string) error
	// Remove removes the node and all its descendants.
	Remove(ctx context.Context, path string) error
	// Commit applies all ops atomically or none of them.
	Commit(ctx context.Context, ops ...Op) error
	// ExecuteInLock runs fn while holding the distributed lock at path.
	// The lock is always released when ExecuteInLock returns.
	ExecuteInLock(ctx context.Context, path string, fn func(ctx context.Context) error) error
	// Watch streams changes of all nodes under prefix until ctx is done.
	// A positive fromRevision replays the changes made since that revision,
	// otherwise only changes after the call are streamed.
	Watch(ctx context.Context, prefix string, fromRevision int64) (<-chan Event, error)
	AddConnectionStateListener(listener ConnectionStateListener)
	// CurrentTime returns the clock of the store side.
	CurrentTime(ctx context.Context) (time.Time, error)
	// Dump returns every node under prefix, sorted by path.
	Dump(ctx context.Context, prefix string) ([]KeyValue, error)
	Close() error
}

// ChildName returns the name of the direct child of parent that key belongs
// to, or "" if key is not a descendant of parent.
func ChildName(parent, key string) string {
	prefix := strings.TrimSuffix(parent, "/") + "/"
	if !strings.HasPrefix(key, prefix) {
		return ""
	}
	rest := key[len(prefix):]
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		return rest[:i]
	}
	return rest
}

// IsDescendantOrSelf reports whether key is path itself or under it.
func IsDescendantOrSelf(path, key string) bool {
	return key == path || strings.HasPrefix(key, strings.TrimSuffix(path, "/")+"/")
}
