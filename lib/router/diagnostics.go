package router

import (
	"cmp"
	"maps"
	"slices"

	"github.com/go-i2p/go-overnet/lib/common/labels"
	"github.com/go-i2p/go-overnet/lib/link"
	"github.com/go-i2p/go-overnet/lib/peer"
	"github.com/go-i2p/go-overnet/lib/routing"
)

// Diagnostics is a snapshot of a node.
type Diagnostics struct {
	NodeID         labels.NodeID      `json:"node_id" yaml:"node_id"`
	Implementation string             `json:"implementation,omitempty" yaml:"implementation,omitempty"`
	Services       []string           `json:"services" yaml:"services"`
	Peers          []peer.Diagnostics `json:"peers" yaml:"peers"`
	Links          []link.Diagnostics `json:"links" yaml:"links"`
	Routes         []routing.Route    `json:"routes" yaml:"routes"`
	Bandwidth      BandwidthRates     `json:"bandwidth" yaml:"bandwidth"`
}

// Diagnostics reports the node's peers, links, routes and services.
func (r *Router) Diagnostics() Diagnostics {
	r.peersMu.Lock()
	keys := slices.SortedFunc(maps.Keys(r.peers), func(a, b labels.PeerKey) int {
		return cmp.Or(cmp.Compare(a.NodeID, b.NodeID), cmp.Compare(a.Endpoint, b.Endpoint))
	})
	peers := make([]peer.Diagnostics, 0, len(keys))
	for _, k := range keys {
		peers = append(peers, r.peers[k].Diagnostics(r.nodeID))
	}
	r.peersMu.Unlock()

	return Diagnostics{
		NodeID:         r.nodeID,
		Implementation: r.opts.DiagnosticsImpl,
		Services:       r.services.LocalServices(),
		Peers:          peers,
		Links:          r.LinkDiagnostics(),
		Routes:         r.Routes(),
		Bandwidth:      r.Bandwidth(),
	}
}

// Bandwidth returns rolling averages of the traffic over all links.
func (r *Router) Bandwidth() BandwidthRates {
	return r.bandwidth.Rates()
}

// linkByteCounters sums the byte counters of the live links.
func (r *Router) linkByteCounters() (sent, received uint64) {
	for _, d := range r.LinkDiagnostics() {
		sent += d.SentBytes
		received += d.ReceivedBytes
	}
	return sent, received
}
