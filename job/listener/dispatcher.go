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

package listener

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"github.com/pingcap/shardjob/job/jobnode"
	"github.com/pingcap/shardjob/pkg/logutil"
	"github.com/pingcap/shardjob/pkg/regcenter"
	"go.uber.org/zap"
)

// Listener reacts to a change of a node under the job root.
type Listener interface {
	Name() string
	OnChange(ctx context.Context, ev regcenter.Event) error
}

type funcListener struct {
	name string
	fn   func(ctx context.Context, ev regcenter.Event) error
}

func (f *funcListener) Name() string { return f.name }

func (f *funcListener) OnChange(ctx context.Context, ev regcenter.Event) error {
	return f.fn(ctx, ev)
}

// NewFunc wraps fn as a Listener.
func NewFunc(name string, fn func(ctx context.Context, ev regcenter.Event) error) Listener {
	return &funcListener{name: name, fn: fn}
}

const (
	watchRetryInitialInterval = 100 * time.Millisecond
	watchRetryMaxInterval     = 5 * time.Second
)

// Dispatcher watches the job root and delivers every change to all
// listeners in order. Listeners run one at a time, so a listener never
// observes events out of order.
type Dispatcher struct {
	jobName   string
	storage   *jobnode.Storage
	mu        sync.Mutex
	listeners []Listener

	cancel func()
	wg     sync.WaitGroup
}

// NewDispatcher creates a Dispatcher of jobName.
func NewDispatcher(center regcenter.Center, jobName string) *Dispatcher {
	return &Dispatcher{
		jobName: jobName,
		storage: jobnode.NewStorage(center, jobName),
	}
}

// Add registers listeners. It must be called before Start.
func (d *Dispatcher) Add(listeners ...Listener) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.listeners = append(d.listeners, listeners...)
}

// Start opens the watch and returns once it is established, so that any
// change made after Start returns is observed.
func (d *Dispatcher) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	events, err := d.storage.Watch(ctx, 0)
	if err != nil {
		cancel()
		return errors.Trace(err)
	}
	d.cancel = cancel
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.run(ctx, events)
	}()
	return nil
}

// Close stops dispatching and waits for the running listener.
func (d *Dispatcher) Close() {
	if d.cancel == nil {
		return
	}
	d.cancel()
	d.wg.Wait()
}

func (d *Dispatcher) run(ctx context.Context, events <-chan regcenter.Event) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = watchRetryInitialInterval
	bo.MaxInterval = watchRetryMaxInterval
	bo.MaxElapsedTime = 0
	var lastRevision int64
	resumed := false
	for {
		delivered := false
		for ev := range events {
			bo.Reset()
			delivered = true
			if ev.Revision > 0 {
				lastRevision = ev.Revision
			}
			d.dispatch(ctx, ev)
		}
		// a resumed watch closing at once may point at a compacted revision,
		// fall back to the current one.
		if resumed && !delivered {
			lastRevision = 0
		}
		// the watch is closed, reopen it after the last delivered revision
		// unless we are going away
		for {
			if ctx.Err() != nil {
				return
			}
			log.Warn("job watch closed, reopen it",
				zap.String("job", d.jobName), zap.Int64("lastRevision", lastRevision))
			select {
			case <-ctx.Done():
				return
			case <-time.After(bo.NextBackOff()):
			}
			var fromRevision int64
			if lastRevision > 0 {
				fromRevision = lastRevision + 1
			}
			var err error
			events, err = d.storage.Watch(ctx, fromRevision)
			if err == nil {
				resumed = fromRevision > 0
				break
			}
			logutil.ErrorFilterContextCanceled(log.L(), "reopen job watch failed",
				zap.String("job", d.jobName), zap.Error(err))
		}
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, ev regcenter.Event) {
	d.mu.Lock()
	listeners := d.listeners
	d.mu.Unlock()
	for _, l := range listeners {
		if ctx.Err() != nil {
			return
		}
		start := time.Now()
		err := l.OnChange(ctx, ev)
		listenerHandleDuration.WithLabelValues(d.jobName, l.Name()).Observe(time.Since(start).Seconds())
		if err != nil {
			listenerErrorCounter.WithLabelValues(d.jobName, l.Name()).Inc()
			logutil.ErrorFilterContextCanceled(log.L(), "job listener failed",
				zap.String("job", d.jobName),
				zap.String("listener", l.Name()),
				zap.String("path", ev.Path),
				zap.Stringer("kind", ev.Kind),
				zap.Error(err))
		}
	}
}
