package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "meshvpn"

// Source is anything able to produce a consistent traffic snapshot.
type Source interface {
	Snapshot() Snapshot
}

// Collector exports a Source as Prometheus counters. Values are read on
// every scrape, so nothing is double counted.
type Collector struct {
	src            Source
	peerBytes      *prometheus.Desc
	peerPackets    *prometheus.Desc
	payloadBytes   *prometheus.Desc
	payloadPackets *prometheus.Desc
	droppedBytes   *prometheus.Desc
	droppedPackets *prometheus.Desc
	invalidBytes   *prometheus.Desc
	invalidPackets *prometheus.Desc
}

func NewCollector(src Source) *Collector {
	peerLabels := []string{"peer", "direction"}
	payloadLabels := []string{"remote", "local", "direction"}
	return &Collector{
		src:            src,
		peerBytes:      prometheus.NewDesc(prometheus.BuildFQName(namespace, "peer", "bytes_total"), "Protocol bytes exchanged with a peer.", peerLabels, nil),
		peerPackets:    prometheus.NewDesc(prometheus.BuildFQName(namespace, "peer", "packets_total"), "Protocol frames exchanged with a peer.", peerLabels, nil),
		payloadBytes:   prometheus.NewDesc(prometheus.BuildFQName(namespace, "payload", "bytes_total"), "Payload bytes by overlay address pair.", payloadLabels, nil),
		payloadPackets: prometheus.NewDesc(prometheus.BuildFQName(namespace, "payload", "packets_total"), "Payload packets by overlay address pair.", payloadLabels, nil),
		droppedBytes:   prometheus.NewDesc(prometheus.BuildFQName(namespace, "dropped", "bytes_total"), "Payload bytes dropped without a route or session.", nil, nil),
		droppedPackets: prometheus.NewDesc(prometheus.BuildFQName(namespace, "dropped", "packets_total"), "Payload packets dropped without a route or session.", nil, nil),
		invalidBytes:   prometheus.NewDesc(prometheus.BuildFQName(namespace, "invalid_protocol", "bytes_total"), "Bytes of frames that failed to decrypt or parse.", nil, nil),
		invalidPackets: prometheus.NewDesc(prometheus.BuildFQName(namespace, "invalid_protocol", "packets_total"), "Frames that failed to decrypt or parse.", nil, nil),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.peerBytes
	ch <- c.peerPackets
	ch <- c.payloadBytes
	ch <- c.payloadPackets
	ch <- c.droppedBytes
	ch <- c.droppedPackets
	ch <- c.invalidBytes
	ch <- c.invalidPackets
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	snap := c.src.Snapshot()
	counter := func(desc *prometheus.Desc, v uint64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(desc, prometheus.CounterValue, float64(v), labels...)
	}
	for _, p := range snap.Peers {
		peer := p.Peer.String()
		counter(c.peerBytes, p.Out.Bytes, peer, "out")
		counter(c.peerBytes, p.In.Bytes, peer, "in")
		counter(c.peerPackets, p.Out.Packets, peer, "out")
		counter(c.peerPackets, p.In.Packets, peer, "in")
	}
	for _, p := range snap.Payload {
		remote, local := p.Remote.String(), p.Local.String()
		counter(c.payloadBytes, p.Out.Bytes, remote, local, "out")
		counter(c.payloadBytes, p.In.Bytes, remote, local, "in")
		counter(c.payloadPackets, p.Out.Packets, remote, local, "out")
		counter(c.payloadPackets, p.In.Packets, remote, local, "in")
	}
	counter(c.droppedBytes, snap.Dropped.Bytes)
	counter(c.droppedPackets, snap.Dropped.Packets)
	counter(c.invalidBytes, snap.InvalidProtocol.Bytes)
	counter(c.invalidPackets, snap.InvalidProtocol.Packets)
}
