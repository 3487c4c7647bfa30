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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const testConfig = `
status-addr = "0.0.0.0:9600"
event-bus-capacity = 16

[etcd]
endpoints = ["http://10.0.0.1:2379", "http://10.0.0.2:2379"]
namespace = "/prod"
dial-timeout = "3s"

[log]
level = "debug"

[[jobs]]
name = "order-sync"
cron = "0/10 * * * * ?"
sharding-total-count = 3
sharding-item-parameters = "0=a,1=b,2=c"
failover = true

[[jobs]]
name = "report"
cron = "0 0 1 * * ?"
sharding-total-count = 1
misfire = false
`

func TestStrictDecode(t *testing.T) {
	t.Parallel()

	conf := GetDefaultServerConfig()
	require.Nil(t, StrictDecode(testConfig, conf))
	require.Nil(t, conf.ValidateAndAdjust())

	require.Equal(t, "0.0.0.0:9600", conf.StatusAddr)
	require.Equal(t, 16, conf.EventBusCapacity)
	require.Equal(t, []string{"http://10.0.0.1:2379", "http://10.0.0.2:2379"}, conf.Etcd.Endpoints)
	require.Equal(t, "/prod", conf.Etcd.Namespace)
	require.Equal(t, TomlDuration(3*time.Second), conf.Etcd.DialTimeout)
	require.Equal(t, defaultSessionTTL, conf.Etcd.SessionTTL)
	require.Equal(t, "debug", conf.Log.Level)
	require.Nil(t, conf.JobTables)

	require.Len(t, conf.Jobs, 2)
	orderSync := conf.Jobs[0]
	require.Equal(t, "order-sync", orderSync.JobName)
	require.Equal(t, 3, orderSync.ShardingTotalCount)
	require.True(t, orderSync.Failover)
	// unset keys keep the job defaults
	require.True(t, orderSync.Misfire)
	require.True(t, orderSync.MonitorExecution)
	require.Equal(t, map[int]string{0: "a", 1: "b", 2: "c"}, orderSync.ItemParameters())

	report := conf.Jobs[1]
	require.Equal(t, "report", report.JobName)
	require.False(t, report.Misfire)
	require.False(t, report.Failover)
}

func TestStrictDecodeUnknownKeys(t *testing.T) {
	t.Parallel()

	conf := GetDefaultServerConfig()
	err := StrictDecode(`
status-addr = "0.0.0.0:9600"
unknown = 1

[[jobs]]
name = "a"
cron = "* * * * * ?"
sharding-total-count = 1
sharding-count = 2
`, conf)
	require.Regexp(t, ".*unknown configuration options.*unknown.*", err)
	require.Regexp(t, ".*jobs.sharding-count.*", err)
}

func TestStrictDecodeFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "server.toml")
	require.Nil(t, os.WriteFile(path, []byte(testConfig), 0o644))

	conf := GetDefaultServerConfig()
	require.Nil(t, StrictDecodeFile(path, conf))
	require.Len(t, conf.Jobs, 2)

	err := StrictDecodeFile(filepath.Join(t.TempDir(), "missing.toml"), GetDefaultServerConfig())
	require.Regexp(t, ".*ShardJob:ErrServerConfigInvalid.*", err)

	require.Nil(t, os.WriteFile(path, []byte("status-addr = "), 0o644))
	err = StrictDecodeFile(path, GetDefaultServerConfig())
	require.Regexp(t, ".*ShardJob:ErrServerConfigInvalid.*", err)
}

func TestValidateAndAdjust(t *testing.T) {
	t.Parallel()

	conf := &ServerConfig{}
	require.Nil(t, conf.ValidateAndAdjust())
	require.Equal(t, defaultNamespace, conf.Etcd.Namespace)
	require.Equal(t, defaultStatusAddr, conf.StatusAddr)
	require.Equal(t, defaultEventBusCapacity, conf.EventBusCapacity)
	require.Equal(t, "info", conf.Log.Level)

	conf = GetDefaultServerConfig()
	conf.Etcd.Endpoints = nil
	require.Regexp(t, ".*empty etcd endpoints.*", conf.ValidateAndAdjust())

	conf = GetDefaultServerConfig()
	conf.Etcd.Namespace = "prod"
	require.Regexp(t, ".*should start with.*", conf.ValidateAndAdjust())

	conf = GetDefaultServerConfig()
	require.Nil(t, StrictDecode(`
[[jobs]]
name = "a"
cron = "* * * * * ?"
sharding-total-count = 1

[[jobs]]
name = "a"
cron = "* * * * * ?"
sharding-total-count = 2
`, conf))
	require.Regexp(t, ".*duplicated job a.*", conf.ValidateAndAdjust())

	conf = GetDefaultServerConfig()
	require.Nil(t, StrictDecode(`
[[jobs]]
name = "a"
cron = "* * * * * ?"
sharding-total-count = 0
`, conf))
	require.Regexp(t, ".*ShardJob:ErrJobConfigInvalid.*", conf.ValidateAndAdjust())
}

func TestCloneAndGlobal(t *testing.T) {
	conf := GetDefaultServerConfig()
	require.Nil(t, StrictDecode(testConfig, conf))

	cloned := conf.Clone()
	cloned.Etcd.Endpoints[0] = "http://changed:2379"
	cloned.Jobs[0].ShardingTotalCount = 10
	require.Equal(t, "http://10.0.0.1:2379", conf.Etcd.Endpoints[0])
	require.Equal(t, 3, conf.Jobs[0].ShardingTotalCount)

	old := GetGlobalServerConfig()
	defer StoreGlobalServerConfig(old)
	StoreGlobalServerConfig(conf)
	require.Equal(t, conf, GetGlobalServerConfig())
}
