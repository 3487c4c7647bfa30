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

package jobnode

import (
	"strconv"
	"strings"
)

// Node names relative to the job root.
const (
	ConfigNode    = "config"
	ServersNode   = "servers"
	InstancesNode = "instances"
	ShardingNode  = "sharding"

	LeaderElectionInstanceNode = "leader/election/instance"
	LeaderElectionLatchNode    = "leader/election/latch"
	ShardingNecessaryNode      = "leader/sharding/necessary"
	ShardingProcessingNode     = "leader/sharding/processing"
	FailoverItemsNode          = "leader/failover/items"
	FailoverLatchNode          = "leader/failover/latch"

	GuaranteeStartedNode   = "guarantee/started"
	GuaranteeCompletedNode = "guarantee/completed"
)

// ServerDisabled is the value of a disabled servers/<host> node.
const ServerDisabled = "DISABLED"

// InstanceTrigger is the value of instances/<id> asking to run at once.
const InstanceTrigger = "TRIGGER"

// ServerNode returns the node of a host.
// result: servers/<ip>
func ServerNode(ip string) string {
	return ServersNode + "/" + ip
}

// InstanceNode returns the node of an instance.
// result: instances/<instanceID>
func InstanceNode(instanceID string) string {
	return InstancesNode + "/" + instanceID
}

// ShardingItemNode returns the root node of a sharding item.
// result: sharding/<item>
func ShardingItemNode(item int) string {
	return ShardingNode + "/" + strconv.Itoa(item)
}

// ShardingInstanceNode returns the owner node of a sharding item.
// result: sharding/<item>/instance
func ShardingInstanceNode(item int) string {
	return ShardingItemNode(item) + "/instance"
}

// ShardingRunningNode returns the running mark of a sharding item.
// result: sharding/<item>/running
func ShardingRunningNode(item int) string {
	return ShardingItemNode(item) + "/running"
}

// ShardingMisfireNode returns the misfire mark of a sharding item.
// result: sharding/<item>/misfire
func ShardingMisfireNode(item int) string {
	return ShardingItemNode(item) + "/misfire"
}

// ShardingDisabledNode returns the disabled mark of a sharding item.
// result: sharding/<item>/disabled
func ShardingDisabledNode(item int) string {
	return ShardingItemNode(item) + "/disabled"
}

// ShardingFailoverNode returns the take-over mark of a sharding item.
// result: sharding/<item>/failover
func ShardingFailoverNode(item int) string {
	return ShardingItemNode(item) + "/failover"
}

// FailoverItemNode returns the crashed mark of a sharding item.
// result: leader/failover/items/<item>
func FailoverItemNode(item int) string {
	return FailoverItemsNode + "/" + strconv.Itoa(item)
}

// GuaranteeStartedItemNode result: guarantee/started/<item>
func GuaranteeStartedItemNode(item int) string {
	return GuaranteeStartedNode + "/" + strconv.Itoa(item)
}

// GuaranteeCompletedItemNode result: guarantee/completed/<item>
func GuaranteeCompletedItemNode(item int) string {
	return GuaranteeCompletedNode + "/" + strconv.Itoa(item)
}

// Path maps the node names of one job to full paths and recognizes them.
type Path struct {
	jobName string
}

// NewPath creates the path scheme of jobName.
func NewPath(jobName string) *Path {
	return &Path{jobName: jobName}
}

// Root returns the root path of the job.
// result: /<jobName>
func (p *Path) Root() string {
	return "/" + p.jobName
}

// FullPath returns the absolute path of a node.
// result: /<jobName>/<node>
func (p *Path) FullPath(node string) string {
	if node == "" {
		return p.Root()
	}
	return p.Root() + "/" + node
}

// IsConfigPath checks the config node.
func (p *Path) IsConfigPath(path string) bool {
	return path == p.FullPath(ConfigNode)
}

// IsServerPath checks whether path is servers/<host>.
func (p *Path) IsServerPath(path string) bool {
	return p.directChildOf(ServersNode, path) != ""
}

// IsLocalServerPath checks whether path is servers/<ip>.
func (p *Path) IsLocalServerPath(path, ip string) bool {
	return path == p.FullPath(ServerNode(ip))
}

// IsInstancePath checks whether path is instances/<id>.
func (p *Path) IsInstancePath(path string) bool {
	return p.InstanceIDFromPath(path) != ""
}

// IsLocalInstancePath checks whether path is instances/<instanceID>.
func (p *Path) IsLocalInstancePath(path, instanceID string) bool {
	return path == p.FullPath(InstanceNode(instanceID))
}

// InstanceIDFromPath returns the instance ID of an instances/<id> path, or "".
func (p *Path) InstanceIDFromPath(path string) string {
	return p.directChildOf(InstancesNode, path)
}

// IsLeaderInstancePath checks the leader node.
func (p *Path) IsLeaderInstancePath(path string) bool {
	return path == p.FullPath(LeaderElectionInstanceNode)
}

// IsGuaranteeStartedPath checks guarantee/started/<item>.
func (p *Path) IsGuaranteeStartedPath(path string) bool {
	return p.directChildOf(GuaranteeStartedNode, path) != ""
}

// IsGuaranteeCompletedPath checks guarantee/completed/<item>.
func (p *Path) IsGuaranteeCompletedPath(path string) bool {
	return p.directChildOf(GuaranteeCompletedNode, path) != ""
}

// ShardingItemFromPath returns the item of any sharding/<item>/... path.
func (p *Path) ShardingItemFromPath(path string) (int, bool) {
	prefix := p.FullPath(ShardingNode) + "/"
	if !strings.HasPrefix(path, prefix) {
		return 0, false
	}
	rest := path[len(prefix):]
	if idx := strings.IndexByte(rest, '/'); idx >= 0 {
		rest = rest[:idx]
	}
	item, err := strconv.Atoi(rest)
	if err != nil {
		return 0, false
	}
	return item, true
}

func (p *Path) directChildOf(node, path string) string {
	prefix := p.FullPath(node) + "/"
	if !strings.HasPrefix(path, prefix) {
		return ""
	}
	name := path[len(prefix):]
	if name == "" || strings.Contains(name, "/") {
		return ""
	}
	return name
}
