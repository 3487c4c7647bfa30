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
	"github.com/pingcap/log"
	"github.com/pingcap/shardjob/job/jobnode"
	"github.com/pingcap/shardjob/pkg/cmd/factory"
	"github.com/pingcap/shardjob/pkg/cmd/util"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// dumpOptions defines flags for the `cli dump` command.
type dumpOptions struct {
	jobName string
	json    bool
}

// node is one dumped node in JSON format.
type node struct {
	Path      string `json:"path"`
	Value     string `json:"value"`
	Ephemeral bool   `json:"ephemeral"`
}

func newCmdDump(f factory.Factory) *cobra.Command {
	o := &dumpOptions{}
	command := &cobra.Command{
		Use:   "dump",
		Short: "Dump every node of a job in the registry center",
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.run(cmd, f)
		},
	}
	addJobFlag(command, &o.jobName)
	command.Flags().BoolVar(&o.json, "json", false, "print the nodes in JSON format")
	return command
}

func (o *dumpOptions) run(cmd *cobra.Command, f factory.Factory) error {
	ctx := cmd.Context()
	center, err := f.RegistryCenter(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	defer func() {
		if err := center.Close(); err != nil {
			log.Warn("close registry center failed", zap.Error(err))
		}
	}()

	kvs, err := jobnode.NewStorage(center, o.jobName).Dump(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	if o.json {
		nodes := make([]node, 0, len(kvs))
		for _, kv := range kvs {
			nodes = append(nodes, node{Path: kv.Path, Value: kv.Value, Ephemeral: kv.Ephemeral})
		}
		return util.JSONPrint(cmd, nodes)
	}
	if len(kvs) == 0 {
		cmd.Print(color.HiYellowString("job %s has no node in the registry center\n", o.jobName))
		return nil
	}
	for _, kv := range kvs {
		if kv.Ephemeral {
			cmd.Printf("%s = %s %s\n", kv.Path, kv.Value, color.CyanString("(ephemeral)"))
			continue
		}
		cmd.Printf("%s = %s\n", kv.Path, kv.Value)
	}
	return nil
}
