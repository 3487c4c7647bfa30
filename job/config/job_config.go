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

package config

import (
	json "github.com/goccy/go-json"
	"github.com/pingcap/errors"
	"github.com/pingcap/shardjob/job/model"
	cerror "github.com/pingcap/shardjob/pkg/errors"
	"github.com/robfig/cron"
)

const (
	defaultMaxTimeDiffSeconds       = -1
	defaultReconcileIntervalMinutes = 10
	// DefaultShardingStrategyType is the even distribution strategy.
	DefaultShardingStrategyType = "AVG_ALLOCATION"
	// DefaultJobExceptionHandlerType logs the errors.
	DefaultJobExceptionHandlerType = "LOG"
	// DefaultExecutorServiceHandlerType sizes the worker pool by CPU.
	DefaultExecutorServiceHandlerType = "CPU"
)

// JobConfiguration is the configuration of one job. It is stored as JSON in
// the config node and may be loaded from a TOML [[jobs]] table.
type JobConfiguration struct {
	JobName                    string `toml:"name" json:"jobName"`
	Cron                       string `toml:"cron" json:"cron"`
	ShardingTotalCount         int    `toml:"sharding-total-count" json:"shardingTotalCount"`
	ShardingItemParameters     string `toml:"sharding-item-parameters" json:"shardingItemParameters"`
	JobParameter               string `toml:"job-parameter" json:"jobParameter"`
	Failover                   bool   `toml:"failover" json:"failover"`
	Misfire                    bool   `toml:"misfire" json:"misfire"`
	Description                string `toml:"description" json:"description"`
	MonitorExecution           bool   `toml:"monitor-execution" json:"monitorExecution"`
	MaxTimeDiffSeconds         int    `toml:"max-time-diff-seconds" json:"maxTimeDiffSeconds"`
	JobShardingStrategyType    string `toml:"sharding-strategy" json:"jobShardingStrategyType"`
	JobExceptionHandlerType    string `toml:"exception-handler" json:"jobExceptionHandlerType"`
	ExecutorServiceHandlerType string `toml:"executor-service-handler" json:"executorServiceHandlerType"`
	ReconcileIntervalMinutes   int    `toml:"reconcile-interval-minutes" json:"reconcileIntervalMinutes"`
	Disabled                   bool   `toml:"disabled" json:"disabled"`
	Overwrite                  bool   `toml:"overwrite" json:"overwrite"`
}

// NewJobConfiguration returns a configuration with default values.
func NewJobConfiguration(jobName, cronExpr string, shardingTotalCount int) *JobConfiguration {
	cfg := &JobConfiguration{
		JobName:            jobName,
		Cron:               cronExpr,
		ShardingTotalCount: shardingTotalCount,
	}
	cfg.fillDefaults()
	return cfg
}

func (c *JobConfiguration) fillDefaults() {
	c.Misfire = true
	c.MonitorExecution = true
	c.MaxTimeDiffSeconds = defaultMaxTimeDiffSeconds
	c.JobShardingStrategyType = DefaultShardingStrategyType
	c.JobExceptionHandlerType = DefaultJobExceptionHandlerType
	c.ExecutorServiceHandlerType = DefaultExecutorServiceHandlerType
	c.ReconcileIntervalMinutes = defaultReconcileIntervalMinutes
}

// ValidateAndAdjust validates the configuration and fills empty handler names.
func (c *JobConfiguration) ValidateAndAdjust() error {
	if c.JobName == "" {
		return cerror.ErrJobConfigInvalid.GenWithStackByArgs("job name can not be empty")
	}
	if c.Cron == "" {
		return cerror.ErrJobConfigInvalid.GenWithStackByArgs("cron can not be empty")
	}
	if _, err := cron.Parse(c.Cron); err != nil {
		return cerror.ErrJobConfigInvalid.Wrap(err).GenWithStackByArgs("cron '" + c.Cron + "' is invalid")
	}
	if c.ShardingTotalCount <= 0 {
		return cerror.ErrJobConfigInvalid.GenWithStackByArgs("sharding total count should be larger than zero")
	}
	if _, err := model.ParseItemParameters(c.ShardingItemParameters); err != nil {
		return cerror.ErrJobConfigInvalid.Wrap(err).GenWithStackByArgs(err.Error())
	}
	if c.JobShardingStrategyType == "" {
		c.JobShardingStrategyType = DefaultShardingStrategyType
	}
	if c.JobExceptionHandlerType == "" {
		c.JobExceptionHandlerType = DefaultJobExceptionHandlerType
	}
	if c.ExecutorServiceHandlerType == "" {
		c.ExecutorServiceHandlerType = DefaultExecutorServiceHandlerType
	}
	return nil
}

// ItemParameters returns the parsed sharding item parameters.
func (c *JobConfiguration) ItemParameters() map[int]string {
	params, err := model.ParseItemParameters(c.ShardingItemParameters)
	if err != nil {
		return map[int]string{}
	}
	return params
}

// Marshal using json.Marshal.
func (c *JobConfiguration) Marshal() (string, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return "", cerror.WrapError(cerror.ErrEncodeFailed, err, c.JobName)
	}
	return string(data), nil
}

// Unmarshal from the value of the config node. Missing fields keep their
// default values.
func (c *JobConfiguration) Unmarshal(data string) error {
	c.fillDefaults()
	err := json.Unmarshal([]byte(data), c)
	return errors.Annotatef(cerror.WrapError(cerror.ErrDecodeFailed, err, data),
		"unmarshal data: %v", data)
}

// Clone returns a deep copy of the configuration.
func (c *JobConfiguration) Clone() *JobConfiguration {
	cloned := *c
	return &cloned
}
