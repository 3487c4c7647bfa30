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


package util

import (
	"context"
	"net/url"
	"os"
	"os/signal"
	"syscall"

	"github.com/goccy/go-json"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"github.com/pingcap/shardjob/pkg/logutil"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/net/http/httpproxy"
)

// InitCmd initializes the logger and returns the root context of the command
// with its cancel function.
func InitCmd(cmd *cobra.Command, logCfg *logutil.Config) (context.Context, context.CancelFunc) {
	err := logutil.InitLogger(logCfg)
	if err != nil {
		cmd.Printf("init logger error %v\n", errors.ErrorStack(err))
		os.Exit(1)
	}
	log.Info("init log", zap.String("file", logCfg.File), zap.String("level", logCfg.Level))

	return context.WithCancel(context.Background())
}

// InitSignalHandling cancels the root context on SIGHUP, SIGINT, SIGTERM or
// SIGQUIT. The first signal calls drain, which must not block, and waits for
// the channel it returns. A second signal cancels at once. It must be called
// after InitCmd.
func InitSignalHandling(drain func() <-chan struct{}, cancel context.CancelFunc) {
	// a graceful signal may be followed by a force one, keep room for both.
	signals := make(chan os.Signal, 2)
	signal.Notify(signals, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	go waitSignals(signals, drain, cancel)
}

func waitSignals(signals <-chan os.Signal, drain func() <-chan struct{}, cancel context.CancelFunc) {
	defer cancel()
	sig := <-signals
	log.Info("got signal, draining", zap.Stringer("signal", sig))
	select {
	case <-drain():
		log.Info("drain complete")
	case sig = <-signals:
		log.Warn("got signal again, exit without draining", zap.Stringer("signal", sig))
	}
}

// proxyEnvs are the proxy settings logged at start up.
var proxyEnvs = []struct {
	name  string
	value func(*httpproxy.Config) string
}{
	{"http_proxy", func(c *httpproxy.Config) string { return c.HTTPProxy }},
	{"https_proxy", func(c *httpproxy.Config) string { return c.HTTPSProxy }},
	{"no_proxy", func(c *httpproxy.Config) string { return c.NoProxy }},
}

// LogHTTPProxies logs the proxy settings found in the environment, the etcd
// client honors them.
func LogHTTPProxies() {
	if fields := findProxyFields(); len(fields) > 0 {
		log.Info("using proxy config", fields...)
	}
}

func findProxyFields() []zap.Field {
	cfg := httpproxy.FromEnvironment()
	var fields []zap.Field
	for _, env := range proxyEnvs {
		if v := env.value(cfg); v != "" {
			fields = append(fields, zap.String(env.name, v))
		}
	}
	return fields
}

// VerifyEtcdEndpoint verifies whether the etcd endpoint is a valid http or
// https URL.
func VerifyEtcdEndpoint(endpoint string) error {
	u, err := url.Parse(endpoint)
	if err != nil {
		return errors.Annotate(err, "parse etcd endpoint")
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return errors.New("etcd endpoint should be a valid http or https URL")
	}
	return nil
}

// JSONPrint writes v to the command output as indented JSON.
func JSONPrint(cmd *cobra.Command, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.Trace(err)
	}
	cmd.Println(string(data))
	return nil
}

// CheckErr prints err and exits with a non-zero code if err is not nil.
func CheckErr(err error) {
	cobra.CheckErr(err)
}
