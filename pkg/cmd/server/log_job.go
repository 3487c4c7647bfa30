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


package server

import (
	"context"

	"github.com/pingcap/log"
	"github.com/pingcap/shardjob/job/executor"
	"github.com/pingcap/shardjob/job/model"
	"go.uber.org/zap"
)

// logJob is the job run by the server command for every [[jobs]] entry.
// It only logs the sharding context it receives.
type logJob struct{}

var _ executor.ShardingJob = logJob{}

func (logJob) Execute(_ context.Context, shardingContext model.ShardingContext) error {
	log.Info("execute sharding item",
		zap.String("job", shardingContext.JobName),
		zap.String("taskID", shardingContext.TaskID),
		zap.Int("item", shardingContext.ShardingItem),
		zap.Int("total", shardingContext.ShardingTotalCount),
		zap.String("parameter", shardingContext.ShardingParameter),
		zap.String("jobParameter", shardingContext.JobParameter))
	return nil
}
