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
	"strings"
	"sync/atomic"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pingcap/errors"
	jobconfig "github.com/pingcap/shardjob/job/config"
	cerror "github.com/pingcap/shardjob/pkg/errors"
	"github.com/pingcap/shardjob/pkg/logutil"
)

const (
	defaultNamespace        = "/shardjob"
	defaultStatusAddr       = "127.0.0.1:9527"
	defaultSessionTTL       = 10
	defaultDialTimeout      = 5 * time.Second
	defaultMonitorInterval  = time.Second
	defaultEventBusCapacity = 1024
)

var defaultServerConfig = &ServerConfig{
	Etcd: &EtcdConfig{
		Endpoints:       []string{"http://127.0.0.1:2379"},
		Namespace:       defaultNamespace,
		SessionTTL:      defaultSessionTTL,
		DialTimeout:     TomlDuration(defaultDialTimeout),
		MonitorInterval: TomlDuration(defaultMonitorInterval),
	},
	StatusAddr: defaultStatusAddr,
	Log: &logutil.Config{
		Level: "info",
	},
	EventBusCapacity: defaultEventBusCapacity,
}

var globalServerConfig atomic.Value

func init() {
	StoreGlobalServerConfig(GetDefaultServerConfig())
}

// TomlDuration is a duration with a custom json decoder and toml decoder
type TomlDuration time.Duration

// UnmarshalText is the toml decoder
func (d *TomlDuration) UnmarshalText(text []byte) error {
	stdDuration, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = TomlDuration(stdDuration)
	return nil
}

// MarshalText is the toml encoder
func (d TomlDuration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// EtcdConfig is the connection to the registry center.
type EtcdConfig struct {
	Endpoints []string `toml:"endpoints" json:"endpoints"`
	// Namespace is the root of every job namespace.
	Namespace       string       `toml:"namespace" json:"namespace"`
	SessionTTL      int          `toml:"session-ttl" json:"session-ttl"`
	DialTimeout     TomlDuration `toml:"dial-timeout" json:"dial-timeout"`
	MonitorInterval TomlDuration `toml:"monitor-interval" json:"monitor-interval"`
}

// ServerConfig is the configuration of a shardjob server process.
type ServerConfig struct {
	Etcd             *EtcdConfig     `toml:"etcd" json:"etcd"`
	StatusAddr       string          `toml:"status-addr" json:"status-addr"`
	Log              *logutil.Config `toml:"log" json:"log"`
	EventBusCapacity int             `toml:"event-bus-capacity" json:"event-bus-capacity"`

	// JobTables holds the raw [[jobs]] tables until they are decoded on top
	// of the job defaults.
	JobTables []toml.Primitive              `toml:"jobs" json:"-"`
	Jobs      []*jobconfig.JobConfiguration `toml:"-" json:"jobs"`
}

// GetDefaultServerConfig returns the default server config
func GetDefaultServerConfig() *ServerConfig {
	return defaultServerConfig.Clone()
}

// GetGlobalServerConfig returns the global configuration for this server.
// It should store configuration from command line and configuration file.
// Other parts of the system can read the global configuration use this function.
func GetGlobalServerConfig() *ServerConfig {
	return globalServerConfig.Load().(*ServerConfig)
}

// StoreGlobalServerConfig stores a new config to the globalServerConfig.
// It mostly uses in the test to avoid some data races.
func StoreGlobalServerConfig(cfg *ServerConfig) {
	globalServerConfig.Store(cfg)
}

// Clone clones the server config. Raw job tables are not kept.
func (c *ServerConfig) Clone() *ServerConfig {
	cloned := *c
	cloned.JobTables = nil
	if c.Etcd != nil {
		etcdCfg := *c.Etcd
		etcdCfg.Endpoints = append([]string(nil), c.Etcd.Endpoints...)
		cloned.Etcd = &etcdCfg
	}
	if c.Log != nil {
		logCfg := *c.Log
		cloned.Log = &logCfg
	}
	cloned.Jobs = make([]*jobconfig.JobConfiguration, 0, len(c.Jobs))
	for _, job := range c.Jobs {
		cloned.Jobs = append(cloned.Jobs, job.Clone())
	}
	return &cloned
}

// StrictDecodeFile decodes the toml file strictly. If any item in the file is
// not mapped into the config, an error is returned and the server must not start.
func StrictDecodeFile(path string, c *ServerConfig) error {
	metaData, err := toml.DecodeFile(path, c)
	if err != nil {
		return cerror.WrapError(cerror.ErrServerConfigInvalid, err, path)
	}
	return errors.Trace(c.decodeJobs(path, metaData))
}

// StrictDecode is StrictDecodeFile on the content of a file.
func StrictDecode(data string, c *ServerConfig) error {
	metaData, err := toml.Decode(data, c)
	if err != nil {
		return cerror.WrapError(cerror.ErrServerConfigInvalid, err, "decode toml")
	}
	return errors.Trace(c.decodeJobs("<inline>", metaData))
}

// decodeJobs decodes every [[jobs]] table on top of the default job
// configuration, then rejects undecoded keys.
func (c *ServerConfig) decodeJobs(path string, metaData toml.MetaData) error {
	for _, table := range c.JobTables {
		job := jobconfig.NewJobConfiguration("", "", 0)
		if err := metaData.PrimitiveDecode(table, job); err != nil {
			return cerror.WrapError(cerror.ErrServerConfigInvalid, err, path)
		}
		c.Jobs = append(c.Jobs, job)
	}
	c.JobTables = nil

	if undecoded := metaData.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, item := range undecoded {
			keys = append(keys, item.String())
		}
		return cerror.ErrServerConfigInvalid.GenWithStackByArgs(
			"config file " + path + " contained unknown configuration options: " +
				strings.Join(keys, ", "))
	}
	return nil
}

// ValidateAndAdjust validates and adjusts the server configuration
func (c *ServerConfig) ValidateAndAdjust() error {
	if c.Etcd == nil {
		c.Etcd = defaultServerConfig.Clone().Etcd
	}
	if len(c.Etcd.Endpoints) == 0 {
		return cerror.ErrServerConfigInvalid.GenWithStackByArgs("empty etcd endpoints")
	}
	for _, ep := range c.Etcd.Endpoints {
		if ep == "" {
			return cerror.ErrServerConfigInvalid.GenWithStackByArgs("empty etcd endpoint")
		}
	}
	if c.Etcd.Namespace == "" {
		c.Etcd.Namespace = defaultNamespace
	}
	if !strings.HasPrefix(c.Etcd.Namespace, "/") {
		return cerror.ErrServerConfigInvalid.GenWithStackByArgs(
			"namespace " + c.Etcd.Namespace + " should start with '/'")
	}
	if c.Etcd.SessionTTL <= 0 {
		c.Etcd.SessionTTL = defaultSessionTTL
	}
	if c.Etcd.DialTimeout <= 0 {
		c.Etcd.DialTimeout = TomlDuration(defaultDialTimeout)
	}
	if c.Etcd.MonitorInterval <= 0 {
		c.Etcd.MonitorInterval = TomlDuration(defaultMonitorInterval)
	}
	if c.StatusAddr == "" {
		c.StatusAddr = defaultStatusAddr
	}
	if c.Log == nil {
		c.Log = &logutil.Config{}
	}
	c.Log.Adjust()
	if c.EventBusCapacity <= 0 {
		c.EventBusCapacity = defaultEventBusCapacity
	}

	names := make(map[string]struct{}, len(c.Jobs))
	for _, job := range c.Jobs {
		if err := job.ValidateAndAdjust(); err != nil {
			return errors.Trace(err)
		}
		if _, ok := names[job.JobName]; ok {
			return cerror.ErrServerConfigInvalid.GenWithStackByArgs(
				"duplicated job " + job.JobName)
		}
		names[job.JobName] = struct{}{}
	}
	return nil
}
