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
	"fmt"
	"net/url"
	"time"

	"github.com/phayes/freeport"
	"github.com/pingcap/errors"
	"go.etcd.io/etcd/server/v3/embed"
)

const embedStartTimeout = time.Minute

// SetupEmbedEtcd starts a single member etcd storing its data in dir and
// listening on two free local ports. The returned URL is the client
// endpoint.
func SetupEmbedEtcd(dir string) (*url.URL, *embed.Etcd, error) {
	ports, err := freeport.GetFreePorts(2)
	if err != nil {
		return nil, nil, errors.Trace(err)
	}
	peer := url.URL{Scheme: "http", Host: fmt.Sprintf("127.0.0.1:%d", ports[0])}
	client := url.URL{Scheme: "http", Host: fmt.Sprintf("127.0.0.1:%d", ports[1])}

	cfg := embed.NewConfig()
	cfg.Dir = dir
	cfg.ListenPeerUrls, cfg.AdvertisePeerUrls = []url.URL{peer}, []url.URL{peer}
	cfg.ListenClientUrls, cfg.AdvertiseClientUrls = []url.URL{client}, []url.URL{client}
	cfg.InitialCluster = cfg.InitialClusterFromName(cfg.Name)
	cfg.Logger = "zap"
	cfg.LogLevel = "error"

	e, err := embed.StartEtcd(cfg)
	if err != nil {
		return nil, nil, errors.Trace(err)
	}
	timer := time.NewTimer(embedStartTimeout)
	defer timer.Stop()
	select {
	case <-e.Server.ReadyNotify():
		return &client, e, nil
	case <-timer.C:
		e.Close()
		return nil, nil, errors.Errorf("embedded etcd is not ready in %s", embedStartTimeout)
	}
}
