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


package etcd

import (
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.etcd.io/etcd/client/pkg/v3/logutil"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/server/v3/embed"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Tester runs an embedded etcd for one unit test.
type Tester struct {
	etcd      *embed.Etcd
	ClientURL *url.URL
	clients   []*clientv3.Client
	stop      chan struct{}
	stopped   chan struct{}
}

// SetUpTest starts the embedded server. Server errors are reported through
// t.Log until TearDownTest.
func (s *Tester) SetUpTest(t *testing.T) {
	var err error
	s.ClientURL, s.etcd, err = SetupEmbedEtcd(t.TempDir())
	require.NoError(t, err)

	s.stop, s.stopped = make(chan struct{}), make(chan struct{})
	go func(errCh <-chan error) {
		defer close(s.stopped)
		for {
			select {
			case <-s.stop:
				return
			case err, ok := <-errCh:
				if !ok {
					return
				}
				t.Log("etcd server error:", err)
			}
		}
	}(s.etcd.Err())
}

// NewRawClient connects one more client to the embedded server, all of them
// are closed by TearDownTest.
func (s *Tester) NewRawClient(t *testing.T) *clientv3.Client {
	logConfig := logutil.DefaultZapLoggerConfig
	logConfig.Level = zap.NewAtomicLevelAt(zapcore.ErrorLevel)
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   []string{s.ClientURL.String()},
		DialTimeout: 3 * time.Second,
		LogConfig:   &logConfig,
	})
	require.NoError(t, err)
	s.clients = append(s.clients, client)
	return client
}

// TearDownTest closes the clients and then the server.
func (s *Tester) TearDownTest(t *testing.T) {
	for _, client := range s.clients {
		// a client may be closed by the code under test already.
		_ = client.Close()
	}
	s.clients = nil
	close(s.stop)
	<-s.stopped
	s.etcd.Close()
}
