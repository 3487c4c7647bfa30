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
	"context"

	"github.com/fatih/color"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"github.com/pingcap/shardjob/job/registry"
	"github.com/pingcap/shardjob/job/server"
	"github.com/pingcap/shardjob/pkg/cmd/factory"
	"github.com/pingcap/shardjob/pkg/cmd/util"
	cerror "github.com/pingcap/shardjob/pkg/errors"
	"github.com/pingcap/shardjob/pkg/regcenter"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// Server holds the state of a host of a job.
type Server struct {
	IP        string `json:"ip"`
	Enabled   bool   `json:"enabled"`
	Available bool   `json:"available"`
}

// serverOptions defines flags for the `cli server` commands.
type serverOptions struct {
	jobName string
	host    string
}

func newCmdServer(f factory.Factory) *cobra.Command {
	command := &cobra.Command{
		Use:   "server",
		Short: "Manage the hosts of a job",
	}
	command.AddCommand(newCmdListServers(f))
	command.AddCommand(newCmdSetServerEnabled(f, true))
	command.AddCommand(newCmdSetServerEnabled(f, false))
	return command
}

func newCmdListServers(f factory.Factory) *cobra.Command {
	o := &serverOptions{}
	command := &cobra.Command{
		Use:   "list",
		Short: "List the hosts of a job",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCenter(cmd.Context(), f, func(center regcenter.Center) error {
				servers, err := ListServers(cmd.Context(), center, o.jobName)
				if err != nil {
					return err
				}
				return util.JSONPrint(cmd, servers)
			})
		},
	}
	addJobFlag(command, &o.jobName)
	return command
}

func newCmdSetServerEnabled(f factory.Factory, enabled bool) *cobra.Command {
	o := &serverOptions{}
	use, short := "disable", "Disable a host, its instances stop taking sharding items"
	if enabled {
		use, short = "enable", "Enable a disabled host"
	}
	command := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCenter(cmd.Context(), f, func(center regcenter.Center) error {
				if err := SetServerEnabled(cmd.Context(), center, o.jobName, o.host, enabled); err != nil {
					return err
				}
				cmd.Print(color.GreenString("%s host %s of job %s\n", use+"d", o.host, o.jobName))
				return nil
			})
		},
	}
	addJobFlag(command, &o.jobName)
	command.Flags().StringVar(&o.host, "host", "", "ip of the host")
	_ = command.MarkFlagRequired("host")
	return command
}

// ListServers returns every host that ever registered for the job.
func ListServers(ctx context.Context, center regcenter.Center, jobName string) ([]*Server, error) {
	svc := server.NewService(center, registry.New(), jobName)
	ips, err := svc.GetAllServers(ctx)
	if err != nil {
		return nil, errors.Trace(err)
	}
	servers := make([]*Server, 0, len(ips))
	for _, ip := range ips {
		enabled, err := svc.IsEnableServer(ctx, ip)
		if err != nil {
			return nil, errors.Trace(err)
		}
		available, err := svc.IsAvailableServer(ctx, ip)
		if err != nil {
			return nil, errors.Trace(err)
		}
		servers = append(servers, &Server{IP: ip, Enabled: enabled, Available: available})
	}
	return servers, nil
}

// SetServerEnabled enables or disables a registered host of the job.
func SetServerEnabled(ctx context.Context, center regcenter.Center, jobName, ip string, enabled bool) error {
	svc := server.NewService(center, registry.New(), jobName)
	ips, err := svc.GetAllServers(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	for _, registered := range ips {
		if registered == ip {
			return errors.Trace(svc.SetServerEnabled(ctx, ip, enabled))
		}
	}
	return cerror.ErrCliInvalidArgument.GenWithStackByArgs(
		"host " + ip + " is not registered for job " + jobName)
}

func withCenter(ctx context.Context, f factory.Factory, fn func(center regcenter.Center) error) error {
	center, err := f.RegistryCenter(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	defer func() {
		if err := center.Close(); err != nil {
			log.Warn("close registry center failed", zap.Error(err))
		}
	}()
	return fn(center)
}
