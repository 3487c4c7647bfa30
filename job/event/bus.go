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

package event

import (
	"context"
	"sync"

	"github.com/pingcap/log"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

const defaultBusCapacity = 1024

// Sink consumes posted events.
type Sink interface {
	Name() string
	Consume(ctx context.Context, ev Event) error
}

// Bus delivers events to sinks on a background goroutine. Post never
// blocks: events are dropped when the queue is full.
type Bus struct {
	sinks   []Sink
	ch      chan Event
	dropped atomic.Uint64

	closeOnce sync.Once
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewBus creates a Bus with a queue of capacity events. A non-positive
// capacity means the default one.
func NewBus(capacity int, sinks ...Sink) *Bus {
	if capacity <= 0 {
		capacity = defaultBusCapacity
	}
	return &Bus{
		sinks: sinks,
		ch:    make(chan Event, capacity),
	}
}

// Start runs the delivery goroutine.
func (b *Bus) Start(ctx context.Context) {
	ctx, b.cancel = context.WithCancel(ctx)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.run(ctx)
	}()
}

// Post enqueues ev. A nil Bus drops everything.
func (b *Bus) Post(ev Event) {
	if b == nil || ev == nil {
		return
	}
	select {
	case b.ch <- ev:
		eventPostedCounter.WithLabelValues(ev.Job()).Inc()
	default:
		b.dropped.Inc()
		eventDroppedCounter.WithLabelValues(ev.Job()).Inc()
	}
}

// Dropped returns the number of events dropped so far.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close stops the delivery, events still queued are delivered first.
func (b *Bus) Close() {
	b.closeOnce.Do(func() {
		if b.cancel != nil {
			b.cancel()
		}
		b.wg.Wait()
	})
}

func (b *Bus) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			// drain what is left without waiting for more
			for {
				select {
				case ev := <-b.ch:
					b.deliver(context.Background(), ev)
				default:
					return
				}
			}
		case ev := <-b.ch:
			b.deliver(ctx, ev)
		}
	}
}

func (b *Bus) deliver(ctx context.Context, ev Event) {
	for _, sink := range b.sinks {
		if err := sink.Consume(ctx, ev); err != nil {
			log.Warn("event sink failed",
				zap.String("sink", sink.Name()),
				zap.String("job", ev.Job()),
				zap.String("event", ev.EventID()),
				zap.Error(err))
		}
	}
}

// LogSink writes every event to the log.
type LogSink struct{}

// Name implements Sink.
func (LogSink) Name() string { return "log" }

// Consume implements Sink.
func (LogSink) Consume(_ context.Context, ev Event) error {
	switch e := ev.(type) {
	case *JobExecutionEvent:
		log.Info("job execution event",
			zap.String("job", e.JobName),
			zap.String("id", e.ID),
			zap.String("taskID", e.TaskID),
			zap.String("source", string(e.Source)),
			zap.Int("item", e.ShardingItem),
			zap.Bool("success", e.Success),
			zap.String("failureCause", e.FailureCause))
	case *JobStatusTraceEvent:
		log.Info("job status trace event",
			zap.String("job", e.JobName),
			zap.String("id", e.ID),
			zap.String("taskID", e.TaskID),
			zap.String("state", string(e.State)),
			zap.Ints("items", e.ShardingItems),
			zap.String("message", e.Message))
	default:
		log.Info("job event", zap.String("job", ev.Job()), zap.String("id", ev.EventID()))
	}
	return nil
}
