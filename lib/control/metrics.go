package control

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// nodeCollector exports node diagnostics as Prometheus metrics. Values are
// read from the node on every scrape.
type nodeCollector struct {
	node Node

	peers     *prometheus.Desc
	links     *prometheus.Desc
	routes    *prometheus.Desc
	services  *prometheus.Desc
	bandwidth *prometheus.Desc
	linkBytes *prometheus.Desc
	linkRTT   *prometheus.Desc
}

func newNodeCollector(node Node) *nodeCollector {
	constLabels := prometheus.Labels{"node_id": node.NodeID().String()}
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName("overnet", "", name), help, labels, constLabels)
	}
	return &nodeCollector{
		node:      node,
		peers:     desc("peers", "Peers held by the router."),
		links:     desc("links", "Live links of the router."),
		routes:    desc("routes", "Destinations with a planned route."),
		services:  desc("local_services", "Services registered on this node."),
		bandwidth: desc("bandwidth_bytes_per_second", "Rolling link traffic average.", "direction", "window"),
		linkBytes: desc("link_bytes_total", "Bytes carried by one link.", "link_id", "peer_node_id", "direction"),
		linkRTT:   desc("link_round_trip_seconds", "Measured round trip time of one link.", "link_id", "peer_node_id"),
	}
}

// Describe implements prometheus.Collector.
func (c *nodeCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{c.peers, c.links, c.routes, c.services, c.bandwidth, c.linkBytes, c.linkRTT} {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *nodeCollector) Collect(ch chan<- prometheus.Metric) {
	d := c.node.Diagnostics()
	gauge := func(desc *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, v, labels...)
	}

	gauge(c.peers, float64(len(d.Peers)))
	gauge(c.links, float64(len(d.Links)))
	gauge(c.routes, float64(len(d.Routes)))
	gauge(c.services, float64(len(d.Services)))

	gauge(c.bandwidth, float64(d.Bandwidth.Inbound1s), "inbound", "1s")
	gauge(c.bandwidth, float64(d.Bandwidth.Outbound1s), "outbound", "1s")
	gauge(c.bandwidth, float64(d.Bandwidth.Inbound15s), "inbound", "15s")
	gauge(c.bandwidth, float64(d.Bandwidth.Outbound15s), "outbound", "15s")

	for _, l := range d.Links {
		id := strconv.FormatUint(uint64(l.ID), 10)
		peer := l.PeerNodeID.String()
		ch <- prometheus.MustNewConstMetric(c.linkBytes, prometheus.CounterValue, float64(l.SentBytes), id, peer, "sent")
		ch <- prometheus.MustNewConstMetric(c.linkBytes, prometheus.CounterValue, float64(l.ReceivedBytes), id, peer, "received")
		gauge(c.linkRTT, l.RoundTripTime.Seconds(), id, peer)
	}
}
