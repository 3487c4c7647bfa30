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
	"net"

	"github.com/pingcap/errors"
	cerror "github.com/pingcap/shardjob/pkg/errors"
)

// GetLocalIP returns the IPv4 address identifying this host. A public
// address is preferred over a private one. Loopback and link local
// addresses are never used.
func GetLocalIP() (string, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "", cerror.WrapError(cerror.ErrGetLocalIP, err)
	}
	ip := pickIP(addrs)
	if ip == "" {
		return "", errors.Trace(cerror.ErrGetLocalIP.GenWithStackByArgs())
	}
	return ip, nil
}

func pickIP(addrs []net.Addr) string {
	private := ""
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok {
			continue
		}
		ip := ipNet.IP.To4()
		if ip == nil || ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsUnspecified() {
			continue
		}
		if !ip.IsPrivate() {
			return ip.String()
		}
		if private == "" {
			private = ip.String()
		}
	}
	return private
}
