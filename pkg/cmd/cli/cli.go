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
	"github.com/pingcap/shardjob/pkg/cmd/factory"
	"github.com/pingcap/shardjob/pkg/cmd/util"
	"github.com/pingcap/shardjob/pkg/logutil"
	"github.com/spf13/cobra"
)

// NewCmdCli creates the `cli` command.
func NewCmdCli() *cobra.Command {
	// Bind the registry center options and construct the client construction factory.
	cf := factory.NewClientFlags()
	return newCmdCli(cf, factory.NewFactory(cf))
}

func newCmdCli(cf *factory.ClientFlags, f factory.Factory) *cobra.Command {
	cmds := &cobra.Command{
		Use:   "cli",
		Short: "Manage the jobs in the registry center",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Here we will initialize the logging configuration.
			_, cancel := util.InitCmd(cmd, &logutil.Config{Level: f.GetLogLevel()})
			cancel()
			util.LogHTTPProxies()
			return nil
		},
	}
	if cf != nil {
		cf.AddFlags(cmds)
	}

	// Add subcommands.
	cmds.AddCommand(newCmdDump(f))
	cmds.AddCommand(newCmdServer(f))
	cmds.AddCommand(newCmdTrigger(f))

	return cmds
}

// addJobFlag binds the required --job flag to cmd.
func addJobFlag(cmd *cobra.Command, jobName *string) {
	cmd.Flags().StringVar(jobName, "job", "", "name of the job")
	_ = cmd.MarkFlagRequired("job")
}
