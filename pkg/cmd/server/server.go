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
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/pingcap/errors"
	"github.com/pingcap/failpoint"
	"github.com/pingcap/log"
	"github.com/pingcap/shardjob/pkg/cmd/util"
	"github.com/pingcap/shardjob/pkg/config"
	cerror "github.com/pingcap/shardjob/pkg/errors"
	"github.com/pingcap/shardjob/pkg/etcd"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

// options defines flags for the `server` command.
type options struct {
	etcdEndpoints        string
	serverConfigFilePath string
	embeddedEtcd         bool
	embeddedEtcdDir      string

	serverConfig *config.ServerConfig
}

// newOptions creates new options for the `server` command.
func newOptions() *options {
	return &options{
		serverConfig: config.GetDefaultServerConfig(),
	}
}

// addFlags receives a *cobra.Command reference and binds
// flags related to template printing to it.
func (o *options) addFlags(cmd *cobra.Command) {
	defaultServerConfig := config.GetDefaultServerConfig()
	cmd.Flags().StringVar(&o.etcdEndpoints, "etcd", strings.Join(defaultServerConfig.Etcd.Endpoints, ","),
		"Set the etcd endpoints to use. Use ',' to separate multiple endpoints")
	cmd.Flags().StringVar(&o.serverConfig.Etcd.Namespace, "namespace", defaultServerConfig.Etcd.Namespace,
		"Set the namespace of the jobs in etcd")
	cmd.Flags().StringVar(&o.serverConfig.StatusAddr, "status-addr", defaultServerConfig.StatusAddr,
		"Set the listening address of the status server")
	cmd.Flags().StringVar(&o.serverConfig.Log.File, "log-file", defaultServerConfig.Log.File, "log file path")
	cmd.Flags().StringVar(&o.serverConfig.Log.Level, "log-level", defaultServerConfig.Log.Level,
		"log level (etc: debug|info|warn|error)")
	cmd.Flags().BoolVar(&o.embeddedEtcd, "embedded-etcd", false,
		"Start an embedded etcd server and ignore --etcd, for development only")
	cmd.Flags().StringVar(&o.embeddedEtcdDir, "embedded-etcd-dir", "", "data directory of the embedded etcd")
	cmd.Flags().StringVar(&o.serverConfigFilePath, "config", "", "Path of the configuration file")
}

func (o *options) run(cmd *cobra.Command) error {
	conf, err := o.loadAndVerifyServerConfig(cmd)
	if err != nil {
		return errors.Trace(err)
	}

	ctx, cancel := util.InitCmd(cmd, conf.Log)
	defer cancel()
	config.StoreGlobalServerConfig(conf)
	logFailpoints()
	util.LogHTTPProxies()

	endpoints := conf.Etcd.Endpoints
	if o.embeddedEtcd {
		dir := o.embeddedEtcdDir
		if dir == "" {
			if dir, err = os.MkdirTemp("", "shardjob-etcd"); err != nil {
				return errors.Trace(err)
			}
			defer os.RemoveAll(dir)
		}
		clientURL, e, err := etcd.SetupEmbedEtcd(dir)
		if err != nil {
			return errors.Annotate(err, "start embedded etcd")
		}
		defer e.Close()
		endpoints = []string{clientURL.String()}
		log.Info("embedded etcd is started", zap.String("endpoint", clientURL.String()))
	}

	server := newJobServer(conf, endpoints, logJob{})
	util.InitSignalHandling(server.drain, cancel)
	err = server.run(ctx)
	if err != nil && !cerror.IsContextCanceled(err) {
		log.Error("run server", zap.String("error", errors.ErrorStack(err)))
		return errors.Annotate(err, "run server")
	}
	log.Info("shardjob server exits successfully")
	return nil
}

func logFailpoints() {
	for _, path := range failpoint.List() {
		status, err := failpoint.Status(path)
		if err != nil {
			log.Error("fail to get failpoint status", zap.Error(err))
		}
		log.Info("failpoint enabled", zap.String("path", path), zap.String("status", status))
	}
}

func (o *options) loadAndVerifyServerConfig(cmd *cobra.Command) (*config.ServerConfig, error) {
	conf := config.GetDefaultServerConfig()
	if len(o.serverConfigFilePath) > 0 {
		if err := config.StrictDecodeFile(o.serverConfigFilePath, conf); err != nil {
			return nil, err
		}
	}
	cmd.Flags().Visit(func(flag *pflag.Flag) {
		switch flag.Name {
		case "etcd":
			conf.Etcd.Endpoints = strings.Split(o.etcdEndpoints, ",")
		case "namespace":
			conf.Etcd.Namespace = o.serverConfig.Etcd.Namespace
		case "status-addr":
			conf.StatusAddr = o.serverConfig.StatusAddr
		case "log-file":
			conf.Log.File = o.serverConfig.Log.File
		case "log-level":
			conf.Log.Level = o.serverConfig.Log.Level
		case "embedded-etcd", "embedded-etcd-dir", "config":
			// do nothing
		default:
			log.Panic("unknown flag, please report a bug", zap.String("flagName", flag.Name))
		}
	})
	if err := conf.ValidateAndAdjust(); err != nil {
		return nil, errors.Trace(err)
	}
	if !o.embeddedEtcd {
		for _, ep := range conf.Etcd.Endpoints {
			if err := util.VerifyEtcdEndpoint(ep); err != nil {
				return nil, cerror.ErrServerConfigInvalid.Wrap(err).GenWithStackByArgs(err.Error())
			}
		}
	}
	if len(conf.Jobs) == 0 {
		cmd.Printf(color.HiYellowString("[WARN] no job is configured. " +
			"Please add [[jobs]] tables to the file of `shardjob server --config`.\n"))
	}
	return conf, nil
}

// NewCmdServer creates the `server` command.
func NewCmdServer() *cobra.Command {
	o := newOptions()

	command := &cobra.Command{
		Use:   "server",
		Short: "Start a shardjob server running the configured jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.run(cmd)
		},
	}
	o.addFlags(command)

	return command
}

