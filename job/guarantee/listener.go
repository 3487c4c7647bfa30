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

package guarantee

import (
	"context"

	"github.com/pingcap/shardjob/job/jobnode"
	"github.com/pingcap/shardjob/job/listener"
	"github.com/pingcap/shardjob/pkg/regcenter"
)

// NewListener returns the listener waking up waiters when the barrier of a
// job is cleared.
func NewListener(jobName string, waiters []*DistributeOnceListener) listener.Listener {
	path := jobnode.NewPath(jobName)
	return listener.NewFunc("guarantee", func(_ context.Context, ev regcenter.Event) error {
		if ev.Kind != regcenter.EventRemoved {
			return nil
		}
		switch {
		case path.IsGuaranteeStartedPath(ev.Path):
			for _, w := range waiters {
				w.NotifyWaitingTaskStart()
			}
		case path.IsGuaranteeCompletedPath(ev.Path):
			for _, w := range waiters {
				w.NotifyWaitingTaskComplete()
			}
		}
		return nil
	})
}
