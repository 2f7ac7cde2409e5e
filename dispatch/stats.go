package dispatch

import (
	"github.com/riftnet/transport/internal/metrics"
)

const latencySampleSize = 256

// metricsSet holds the dispatcher's counters, backing the five
// observable counters spec.md §6 names plus a few operational ones the
// teacher's ServerMetrics also tracks (decode/admission drop detail).
type metricsSet struct {
	BytesSent       metrics.Counter
	BytesReceived   metrics.Counter
	PacketsSent     metrics.Counter
	PacketsReceived metrics.Counter
	PacketsDropped  metrics.Counter
	BansIssued      metrics.Counter
	DecodeFailures  metrics.Counter
	ConnectedClients metrics.Gauge
	Latency         *metrics.LatencySampler
}

func newMetricsSet() *metricsSet {
	return &metricsSet{Latency: metrics.NewLatencySampler(latencySampleSize)}
}

// Stats is a point-in-time snapshot of spec.md §6's observable counters.
type Stats struct {
	BytesSent        uint64
	BytesReceived    uint64
	PacketLoss       float64
	AverageLatencyMs float64
	ConnectedClients int64
}

// Stats returns a snapshot of the dispatcher's observable counters.
func (d *Dispatcher) Stats() Stats {
	sent := d.metrics.PacketsSent.Load()
	dropped := d.metrics.PacketsDropped.Load()
	var lossRate float64
	if total := sent + dropped; total > 0 {
		lossRate = float64(dropped) / float64(total)
	}
	return Stats{
		BytesSent:        uint64(d.metrics.BytesSent.Load()),
		BytesReceived:    uint64(d.metrics.BytesReceived.Load()),
		PacketLoss:       lossRate,
		AverageLatencyMs: float64(d.metrics.Latency.Mean().Microseconds()) / 1000.0,
		ConnectedClients: d.metrics.ConnectedClients.Load(),
	}
}
