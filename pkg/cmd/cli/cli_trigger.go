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


package cli

import (
	"github.com/fatih/color"
	"github.com/pingcap/errors"
	"github.com/pingcap/shardjob/job/instance"
	"github.com/pingcap/shardjob/job/registry"
	"github.com/pingcap/shardjob/pkg/cmd/factory"
	"github.com/pingcap/shardjob/pkg/regcenter"
	"github.com/spf13/cobra"
)

func newCmdTrigger(f factory.Factory) *cobra.Command {
	var jobName string
	command := &cobra.Command{
		Use:   "trigger",
		Short: "Run a job at once on every online instance",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCenter(cmd.Context(), f, func(center regcenter.Center) error {
				svc := instance.NewService(center, registry.New(), jobName)
				if err := svc.TriggerAllInstances(cmd.Context()); err != nil {
					return errors.Trace(err)
				}
				cmd.Print(color.GreenString("triggered job %s\n", jobName))
				return nil
			})
		},
	}
	addJobFlag(command, &jobName)
	return command
}
