package esc

import (
	"net"
	"sort"
	"strconv"
	"strings"
)

// NodesInfo is the shape of a nodes info response from the cluster.
type NodesInfo struct {
	ClusterName string              `json:"cluster_name"`
	Nodes       map[string]NodeInfo `json:"nodes"`
}

// NodeInfo describes a single cluster node as reported by the cluster itself.
type NodeInfo struct {
	Name    string        `json:"name"`
	Host    string        `json:"host"`
	IP      string        `json:"ip"`
	Version string        `json:"version"`
	Roles   []string      `json:"roles"`
	HTTP    *NodeHTTPInfo `json:"http"`
}

// NodeHTTPInfo carries the HTTP endpoint a node publishes.
type NodeHTTPInfo struct {
	BoundAddresses []string `json:"bound_address"`
	PublishAddress string   `json:"publish_address"`
}

// ParseNodeInfo reads a nodes info payload into its typed form.
func ParseNodeInfo(data []byte) (*NodesInfo, error) {

	nodesInfo := &NodesInfo{}
	if err := json.Unmarshal(data, nodesInfo); err != nil {
		return nil, &SerializationError{Err: err}
	}

	return nodesInfo, nil
}

// MasterOnly identifies dedicated master nodes, which never serve requests.
func (ni *NodeInfo) MasterOnly() bool {
	return len(ni.Roles) == 1 && ni.Roles[0] == "master"
}

// Address yields the host and port a node publishes for HTTP traffic, falling
// back to the first bound address when nothing is published. Nodes without a
// usable address report ok false.
func (ni *NodeInfo) Address() (string, int, bool) {

	if ni.HTTP == nil {
		return "", 0, false
	}

	address := ni.HTTP.PublishAddress
	if address == "" && len(ni.HTTP.BoundAddresses) > 0 {
		address = ni.HTTP.BoundAddresses[0]
	}
	if address == "" {
		return "", 0, false
	}

	// Clusters configured with a hostname publish "fqdn/ip:port".
	if slash := strings.IndexByte(address, '/'); slash >= 0 {
		fqdn := address[:slash]
		_, port, ok := splitAddress(address[slash+1:])
		if !ok || fqdn == "" {
			return "", 0, false
		}
		return fqdn, port, true
	}

	return splitAddress(address)
}

func splitAddress(address string) (string, int, bool) {

	host, portString, err := net.SplitHostPort(address)
	if err != nil {
		return "", 0, false
	}

	port, err := strconv.Atoi(portString)
	if err != nil || port <= 0 {
		return "", 0, false
	}

	return host, port, true
}

// DescriptorsFromNodesInfo converts sniffed node info into connection
// descriptors, carrying scheme, credentials and url prefix over from the
// template. Master-only nodes and nodes without a usable HTTP address are
// skipped. Output order follows the sorted node ids so repeated sniffs of an
// unchanged cluster produce identical descriptor lists.
func DescriptorsFromNodesInfo(nodesInfo *NodesInfo, template ConnectionDescriptor) []ConnectionDescriptor {

	if nodesInfo == nil || len(nodesInfo.Nodes) == 0 {
		return nil
	}

	nodeIDs := make([]string, 0, len(nodesInfo.Nodes))
	for nodeID := range nodesInfo.Nodes {
		nodeIDs = append(nodeIDs, nodeID)
	}
	sort.Strings(nodeIDs)

	descriptors := make([]ConnectionDescriptor, 0, len(nodeIDs))
	for _, nodeID := range nodeIDs {
		node := nodesInfo.Nodes[nodeID]
		if node.MasterOnly() {
			continue
		}

		host, port, ok := node.Address()
		if !ok {
			continue
		}

		descriptors = append(descriptors, ConnectionDescriptor{
			Scheme:    template.Scheme,
			Host:      host,
			Port:      port,
			Username:  template.Username,
			Password:  template.Password,
			URLPrefix: template.URLPrefix,
		})
	}

	return descriptors
}
