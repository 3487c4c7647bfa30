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
	"time"

	"github.com/pingcap/errors"
	"github.com/pingcap/shardjob/pkg/regcenter"
)

// Storage reads and writes the nodes of one job.
// All node arguments are relative to the job root.
type Storage struct {
	center regcenter.Center
	path   *Path
}

// NewStorage creates the storage of jobName.
func NewStorage(center regcenter.Center, jobName string) *Storage {
	return &Storage{center: center, path: NewPath(jobName)}
}

// Path returns the path scheme of the job.
func (s *Storage) Path() *Path {
	return s.path
}

// Center returns the underlying registry center.
func (s *Storage) Center() regcenter.Center {
	return s.center
}

// IsJobNodeExisted checks whether the node exists.
func (s *Storage) IsJobNodeExisted(ctx context.Context, node string) (bool, error) {
	ok, err := s.center.IsExisted(ctx, s.path.FullPath(node))
	return ok, errors.Trace(err)
}

// IsJobRootNodeExisted checks whether any node of the job exists.
func (s *Storage) IsJobRootNodeExisted(ctx context.Context) (bool, error) {
	kvs, err := s.center.Dump(ctx, s.path.Root())
	if err != nil {
		return false, errors.Trace(err)
	}
	return len(kvs) > 0, nil
}

// GetJobNodeData returns the value of node, "" if it does not exist.
func (s *Storage) GetJobNodeData(ctx context.Context, node string) (string, error) {
	value, _, err := s.center.Get(ctx, s.path.FullPath(node))
	return value, errors.Trace(err)
}

// GetJobNodeDataIfExists returns the value of node and whether it exists.
func (s *Storage) GetJobNodeDataIfExists(ctx context.Context, node string) (string, bool, error) {
	value, ok, err := s.center.Get(ctx, s.path.FullPath(node))
	return value, ok, errors.Trace(err)
}

// GetJobNodeChildrenKeys returns the sorted child names of node.
func (s *Storage) GetJobNodeChildrenKeys(ctx context.Context, node string) ([]string, error) {
	children, err := s.center.GetChildrenKeys(ctx, s.path.FullPath(node))
	return children, errors.Trace(err)
}

// CreateJobNodeIfNeeded creates a persistent empty node if it is missing.
func (s *Storage) CreateJobNodeIfNeeded(ctx context.Context, node string) error {
	ok, err := s.IsJobNodeExisted(ctx, node)
	if err != nil || ok {
		return err
	}
	return errors.Trace(s.center.Persist(ctx, s.path.FullPath(node), ""))
}

// RemoveJobNodeIfExisted removes node and its descendants.
func (s *Storage) RemoveJobNodeIfExisted(ctx context.Context, node string) error {
	return errors.Trace(s.center.Remove(ctx, s.path.FullPath(node)))
}

// FillJobNode writes a persistent node.
func (s *Storage) FillJobNode(ctx context.Context, node, value string) error {
	return errors.Trace(s.center.Persist(ctx, s.path.FullPath(node), value))
}

// FillEphemeralJobNode writes a node bound to the session.
func (s *Storage) FillEphemeralJobNode(ctx context.Context, node, value string) error {
	return errors.Trace(s.center.PersistEphemeral(ctx, s.path.FullPath(node), value))
}

// UpdateJobNode changes the value of an existing node.
func (s *Storage) UpdateJobNode(ctx context.Context, node, value string) error {
	return errors.Trace(s.center.Update(ctx, s.path.FullPath(node), value))
}

// ReplaceJobNode overwrites a persistent node.
func (s *Storage) ReplaceJobNode(ctx context.Context, node, value string) error {
	return errors.Trace(s.center.Persist(ctx, s.path.FullPath(node), value))
}

// ExecuteInTransaction commits ops atomically. The paths of ops are nodes
// relative to the job root.
func (s *Storage) ExecuteInTransaction(ctx context.Context, ops ...regcenter.Op) error {
	full := make([]regcenter.Op, 0, len(ops))
	for _, op := range ops {
		op.Path = s.path.FullPath(op.Path)
		full = append(full, op)
	}
	return errors.Trace(s.center.Commit(ctx, full...))
}

// ExecuteInLeader runs fn while holding the lock at latchNode.
func (s *Storage) ExecuteInLeader(
	ctx context.Context, latchNode string, fn func(ctx context.Context) error,
) error {
	return s.center.ExecuteInLock(ctx, s.path.FullPath(latchNode), fn)
}

// Watch streams changes of every node of the job.
func (s *Storage) Watch(ctx context.Context, fromRevision int64) (<-chan regcenter.Event, error) {
	events, err := s.center.Watch(ctx, s.path.Root(), fromRevision)
	return events, errors.Trace(err)
}

// Dump returns every node of the job.
func (s *Storage) Dump(ctx context.Context) ([]regcenter.KeyValue, error) {
	kvs, err := s.center.Dump(ctx, s.path.Root())
	return kvs, errors.Trace(err)
}

// GetRegistryCenterTime returns the clock of the registry center.
func (s *Storage) GetRegistryCenterTime(ctx context.Context) (time.Time, error) {
	now, err := s.center.CurrentTime(ctx)
	return now, errors.Trace(err)
}
