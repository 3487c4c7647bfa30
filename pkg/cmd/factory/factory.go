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


package factory

import (
	"context"
	"strings"
	"time"

	"github.com/pingcap/errors"
	"github.com/pingcap/shardjob/pkg/etcd"
	"github.com/pingcap/shardjob/pkg/regcenter"
	"github.com/spf13/cobra"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

const (
	defaultNamespace = "/shardjob"
	dialTimeout      = 5 * time.Second
)

// Factory defines the client-side construction factory.
type Factory interface {
	ClientGetter
	// RegistryCenter connects to the registry center. The caller must close it.
	RegistryCenter(ctx context.Context) (regcenter.Center, error)
}

// ClientGetter defines the client getter.
type ClientGetter interface {
	GetEtcdEndpoints() []string
	GetNamespace() string
	GetLogLevel() string
}

// ClientFlags specifies the parameters needed to construct the client.
type ClientFlags struct {
	etcdEndpoints string
	namespace     string
	logLevel      string
}

var _ ClientGetter = &ClientFlags{}

// NewClientFlags returns new ClientFlags.
func NewClientFlags() *ClientFlags {
	return &ClientFlags{}
}

// AddFlags receives a *cobra.Command reference and binds
// flags related to the registry center connection to it.
func (c *ClientFlags) AddFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVar(&c.etcdEndpoints, "etcd", "http://127.0.0.1:2379",
		"etcd endpoints of the registry center, use ',' to separate multiple endpoints")
	cmd.PersistentFlags().StringVar(&c.namespace, "namespace", defaultNamespace,
		"namespace of the jobs in the registry center")
	cmd.PersistentFlags().StringVar(&c.logLevel, "log-level", "warn",
		"log level (etc: debug|info|warn|error)")
}

// GetEtcdEndpoints returns the etcd endpoints.
func (c *ClientFlags) GetEtcdEndpoints() []string {
	return strings.Split(c.etcdEndpoints, ",")
}

// GetNamespace returns the job namespace root.
func (c *ClientFlags) GetNamespace() string {
	return c.namespace
}

// GetLogLevel returns log level.
func (c *ClientFlags) GetLogLevel() string {
	return c.logLevel
}

type factoryImpl struct {
	ClientGetter
}

// NewFactory creates a client build factory.
func NewFactory(c ClientGetter) Factory {
	return &factoryImpl{ClientGetter: c}
}

// RegistryCenter implements Factory.
func (f *factoryImpl) RegistryCenter(ctx context.Context) (regcenter.Center, error) {
	client, err := NewEtcdClient(ctx, f.GetEtcdEndpoints())
	if err != nil {
		return nil, errors.Trace(err)
	}
	center, err := regcenter.NewEtcdCenter(
		etcd.Wrap(client, etcd.NewRequestMetrics()),
		regcenter.EtcdCenterConfig{Namespace: f.GetNamespace()},
	)
	if err != nil {
		_ = client.Close()
		return nil, errors.Annotate(err, "fail to open the registry center")
	}
	return &ownedCenter{EtcdCenter: center, client: client}, nil
}

// NewEtcdClient dials etcd and blocks until the connection is ready.
func NewEtcdClient(ctx context.Context, endpoints []string) (*clientv3.Client, error) {
	client, err := clientv3.New(clientv3.Config{
		Context:     ctx,
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
		DialOptions: []grpc.DialOption{grpc.WithBlock()},
		Logger:      zap.NewNop(),
	})
	if err != nil {
		return nil, errors.Annotatef(err, "fail to open etcd client, endpoints: %v", endpoints)
	}
	return client, nil
}

// ownedCenter closes the etcd client together with the center.
type ownedCenter struct {
	*regcenter.EtcdCenter
	client *clientv3.Client
}

func (c *ownedCenter) Close() error {
	err := c.EtcdCenter.Close()
	if cerr := c.client.Close(); err == nil {
		err = cerr
	}
	return errors.Trace(err)
}
