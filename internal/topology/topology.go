// Package topology ingests the statically described network the
// coordinator routes over: the network_info routing table and the ip_map
// address book. Both are trusted input JSON documents, decoded with no
// validation beyond the shape needed to read them -- the same posture the
// teacher takes toward its own config documents (configmap/configstruct
// decode what's there and let a missing key surface as a zero value or a
// decode error, not a bespoke validator).
package topology

import (
	"encoding/json"

	"github.com/hileamlakB/floodclone/internal/ferrors"
)

// Route is one connection option from a source node to a destination node:
// the local interface to dial out from, the hop count to the destination,
// and the path of intermediate addresses, the last of which is the
// destination's reachable IP for a hop_count==1 (neighbor) route.
type Route struct {
	Interface string
	HopCount  int
	Path      []string
}

// UnmarshalJSON decodes a route from its wire tuple form
// [interface, hop_count, [path...]].
func (r *Route) UnmarshalJSON(data []byte) error {
	var tuple [3]json.RawMessage
	if err := json.Unmarshal(data, &tuple); err != nil {
		return ferrors.Wrap(err, "decoding route tuple")
	}
	if err := json.Unmarshal(tuple[0], &r.Interface); err != nil {
		return ferrors.Wrap(err, "decoding route interface")
	}
	if err := json.Unmarshal(tuple[1], &r.HopCount); err != nil {
		return ferrors.Wrap(err, "decoding route hop count")
	}
	if err := json.Unmarshal(tuple[2], &r.Path); err != nil {
		return ferrors.Wrap(err, "decoding route path")
	}
	return nil
}

// NetworkInfo is src_node -> dst_node -> ordered list of connection
// options.
type NetworkInfo map[string]map[string][]Route

// IfaceIP pairs a local interface name with the IP address bound to it.
type IfaceIP struct {
	Interface string
	IP        string
}

// UnmarshalJSON decodes an IfaceIP from its wire tuple form
// [interface, ip].
func (e *IfaceIP) UnmarshalJSON(data []byte) error {
	var tuple [2]string
	if err := json.Unmarshal(data, &tuple); err != nil {
		return ferrors.Wrap(err, "decoding ip_map entry")
	}
	e.Interface, e.IP = tuple[0], tuple[1]
	return nil
}

// IPMap is node -> list of (interface, ip) pairs, the address book used to
// resolve a peer node to its dialable addresses.
type IPMap map[string][]IfaceIP

// Table bundles the routing table with the address book and exposes the
// lookups the coordinator and connection engine need.
type Table struct {
	Network NetworkInfo
	IPs     IPMap
}

// ParseNetworkInfo decodes a network_info JSON document.
func ParseNetworkInfo(data []byte) (NetworkInfo, error) {
	var ni NetworkInfo
	if err := json.Unmarshal(data, &ni); err != nil {
		return nil, ferrors.Wrap(err, "decoding network_info")
	}
	return ni, nil
}

// ParseIPMap decodes an ip_map JSON document.
func ParseIPMap(data []byte) (IPMap, error) {
	var im IPMap
	if err := json.Unmarshal(data, &im); err != nil {
		return nil, ferrors.Wrap(err, "decoding ip_map")
	}
	return im, nil
}

// NewTable builds a Table from already-parsed documents.
func NewTable(network NetworkInfo, ips IPMap) *Table {
	return &Table{Network: network, IPs: ips}
}

// Neighbors returns every destination reachable from src with hop count
// exactly 1. The destinations are read from a map, so the order of the
// returned names is not defined and need not match the JSON document.
func (t *Table) Neighbors(src string) []string {
	dsts := t.Network[src]
	var out []string
	for dst, routes := range dsts {
		for _, r := range routes {
			if r.HopCount == 1 {
				out = append(out, dst)
				break
			}
		}
	}
	return out
}

// Routes returns the connection options from src to dst, in declared
// order.
func (t *Table) Routes(src, dst string) []Route {
	return t.Network[src][dst]
}

// FirstRoute returns the first declared connection option from src to dst,
// and whether one exists.
func (t *Table) FirstRoute(src, dst string) (Route, bool) {
	routes := t.Routes(src, dst)
	if len(routes) == 0 {
		return Route{}, false
	}
	return routes[0], true
}

// LocalIP resolves node's IP address bound to the named local interface.
func (t *Table) LocalIP(node, iface string) (string, bool) {
	for _, e := range t.IPs[node] {
		if e.Interface == iface {
			return e.IP, true
		}
	}
	return "", false
}

// AllNodes returns every node name appearing in the address book, which is
// expected to list every participant in the topology.
func (t *Table) AllNodes() []string {
	out := make([]string, 0, len(t.IPs))
	for n := range t.IPs {
		out = append(out, n)
	}
	return out
}

// PeerAddr resolves the dialable (ip, port-independent) address for
// reaching dst over route r: the neighbor's IP is the last hop in the
// route's path (hop_count==1 routes carry exactly the neighbor's address
// there).
func PeerAddr(r Route) (string, bool) {
	if len(r.Path) == 0 {
		return "", false
	}
	return r.Path[len(r.Path)-1], true
}
