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
	"context"
	"math"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"github.com/pingcap/shardjob/job/jobnode"
	cerror "github.com/pingcap/shardjob/pkg/errors"
	"github.com/pingcap/shardjob/pkg/regcenter"
	"go.uber.org/zap"
)

// Service persists and loads the configuration of one job.
type Service struct {
	jobName string
	storage *jobnode.Storage
	clock   clock.Clock
}

// NewService creates the configuration service of a job.
func NewService(center regcenter.Center, jobName string, clk clock.Clock) *Service {
	if clk == nil {
		clk = clock.New()
	}
	return &Service{
		jobName: jobName,
		storage: jobnode.NewStorage(center, jobName),
		clock:   clk,
	}
}

// Load reads the configuration from the registry center.
func (s *Service) Load(ctx context.Context) (*JobConfiguration, error) {
	data, ok, err := s.storage.GetJobNodeDataIfExists(ctx, jobnode.ConfigNode)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if !ok {
		return nil, cerror.ErrJobConfigNotFound.GenWithStackByArgs(s.jobName)
	}
	cfg := &JobConfiguration{}
	if err := cfg.Unmarshal(data); err != nil {
		return nil, errors.Trace(err)
	}
	return cfg, nil
}

// Persist writes cfg unless a configuration exists already and cfg does not
// ask to overwrite it.
func (s *Service) Persist(ctx context.Context, cfg *JobConfiguration) error {
	if cfg.JobName != s.jobName {
		return cerror.ErrJobConfigConflict.GenWithStackByArgs(s.jobName, "job name is "+cfg.JobName)
	}
	existed, err := s.storage.IsJobNodeExisted(ctx, jobnode.ConfigNode)
	if err != nil {
		return errors.Trace(err)
	}
	if existed && !cfg.Overwrite {
		log.Info("job configuration exists in registry center, keep it",
			zap.String("job", s.jobName))
		return nil
	}
	data, err := cfg.Marshal()
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(s.storage.ReplaceJobNode(ctx, jobnode.ConfigNode, data))
}

// CheckMaxTimeDiffSecondsTolerable returns ErrTimeDiffIntolerable if the
// local clock drifts from the registry center more than allowed.
func (s *Service) CheckMaxTimeDiffSecondsTolerable(ctx context.Context) error {
	cfg, err := s.Load(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	maxTimeDiffSeconds := cfg.MaxTimeDiffSeconds
	if maxTimeDiffSeconds < 0 {
		return nil
	}
	centerTime, err := s.storage.GetRegistryCenterTime(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	diff := s.clock.Now().Sub(centerTime)
	if math.Abs(float64(diff)) > float64(time.Duration(maxTimeDiffSeconds)*time.Second) {
		return cerror.ErrTimeDiffIntolerable.GenWithStackByArgs(
			int64(math.Abs(diff.Seconds())), maxTimeDiffSeconds)
	}
	return nil
}
