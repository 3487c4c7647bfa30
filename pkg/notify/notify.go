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

package notify

import (
	"sync"
	"time"

	"github.com/pingcap/errors"
)

// ErrNotifierClosed is returned by NewReceiver and Notify after Close.
var ErrNotifierClosed = errors.New("notifier closed")

// Notifier wakes up every receiver.
// Notifier can not be copied.
type Notifier struct {
	receivers []*Receiver
	maxIndex  int
	closed    bool
	mu        sync.RWMutex
}

// Receiver is a receiver of notifier, including the receiver channel and stop receiver function.
type Receiver struct {
	C        <-chan struct{}
	c        chan struct{}
	stopOnce sync.Once
	stop     chan struct{}
	index    int
	ticker   *time.Ticker
	notifier *Notifier
}

// Stop removes the receiver from the notifier.
func (r *Receiver) Stop() {
	r.stopOnce.Do(func() {
		close(r.stop)
		r.notifier.remove(r.index)
	})
}

func (r *Receiver) signal() {
	select {
	case r.c <- struct{}{}:
	default:
	}
}

// NewReceiver creates a receiver. If tickTime is positive the receiver is
// also signalled every tickTime, so that a waiter can recheck a condition
// even when a notification was missed.
func (n *Notifier) NewReceiver(tickTime time.Duration) (*Receiver, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil, ErrNotifierClosed
	}
	ch := make(chan struct{}, 1)
	receiver := &Receiver{
		C:        ch,
		c:        ch,
		stop:     make(chan struct{}),
		index:    n.maxIndex,
		notifier: n,
	}
	if tickTime > 0 {
		receiver.ticker = time.NewTicker(tickTime)
		go func() {
			for {
				select {
				case <-receiver.ticker.C:
					receiver.signal()
				case <-receiver.stop:
					return
				}
			}
		}()
	}
	n.receivers = append(n.receivers, receiver)
	n.maxIndex++
	return receiver, nil
}

// Notify sends a signal to all receivers without blocking.
func (n *Notifier) Notify() {
	n.mu.RLock()
	defer n.mu.RUnlock()
	for _, receiver := range n.receivers {
		receiver.signal()
	}
}

func (n *Notifier) remove(index int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i, receiver := range n.receivers {
		if receiver.index != index {
			continue
		}
		if receiver.ticker != nil {
			receiver.ticker.Stop()
		}
		n.receivers = append(n.receivers[:i], n.receivers[i+1:]...)
		return
	}
}

// Close stops all receivers and rejects new ones.
func (n *Notifier) Close() {
	n.mu.Lock()
	receivers := n.receivers
	n.receivers = nil
	n.closed = true
	n.mu.Unlock()
	for _, receiver := range receivers {
		receiver.stopOnce.Do(func() {
			close(receiver.stop)
			if receiver.ticker != nil {
				receiver.ticker.Stop()
			}
		})
	}
}
