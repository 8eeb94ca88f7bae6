// Copyright 2015 Matthew Holt and The Caddy Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package quiccore

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func init() {
	prometheus.MustRegister(prometheus.NewBuildInfoCollector())
}

// engineMetrics are process-global counters and gauges describing the
// health of the most recently loaded config and the packet/frame traffic
// flowing through every modules/quicengine connection.
var engineMetrics = struct {
	configSuccess       prometheus.Gauge
	configSuccessTime   prometheus.Gauge
	connectionsActive   prometheus.Gauge
	packetsReceived     *prometheus.CounterVec
	packetsSent         *prometheus.CounterVec
	framesReceived      *prometheus.CounterVec
	retransmissions     prometheus.Counter
	connectionIDsIssued prometheus.Counter
	bandwidthSamples    prometheus.Counter
}{
	configSuccess: promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "quiccore",
		Name:      "config_last_reload_successful",
		Help:      "Whether the last configuration reload attempt was successful.",
	}),
	configSuccessTime: promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "quiccore",
		Name:      "config_last_reload_success_timestamp_seconds",
		Help:      "Timestamp of the last successful configuration reload.",
	}),
	connectionsActive: promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "quiccore",
		Subsystem: "quicengine",
		Name:      "connections_active",
		Help:      "Number of QUIC connections currently tracked by the engine.",
	}),
	packetsReceived: promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "quiccore",
		Subsystem: "quicengine",
		Name:      "packets_received_total",
		Help:      "Count of packets received, labeled by encryption level.",
	}, []string{"encryption_level"}),
	packetsSent: promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "quiccore",
		Subsystem: "quicengine",
		Name:      "packets_sent_total",
		Help:      "Count of packets sent, labeled by encryption level.",
	}, []string{"encryption_level"}),
	framesReceived: promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "quiccore",
		Subsystem: "quicengine",
		Name:      "frames_received_total",
		Help:      "Count of frames received, labeled by frame kind.",
	}, []string{"frame_kind"}),
	retransmissions: promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "quiccore",
		Subsystem: "quicengine",
		Name:      "retransmissions_total",
		Help:      "Count of packets or frames the notifier has retransmitted.",
	}),
	connectionIDsIssued: promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "quiccore",
		Subsystem: "quicengine",
		Name:      "connection_ids_issued_total",
		Help:      "Count of self-issued connection IDs handed out to peers.",
	}),
	bandwidthSamples: promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "quiccore",
		Subsystem: "quicengine",
		Name:      "bandwidth_samples_total",
		Help:      "Count of bandwidth samples produced by the bbr sampler.",
	}),
}

// The Record* / SetConnectionsActive functions below are the only points
// where modules/quicengine touches prometheus directly; they let the
// engine report traffic without each component importing prometheus
// itself.

// SetConnectionsActive reports the current number of tracked connections.
func SetConnectionsActive(n int) { engineMetrics.connectionsActive.Set(float64(n)) }

// RecordPacketReceived increments the received-packet counter for level.
func RecordPacketReceived(level string) { engineMetrics.packetsReceived.WithLabelValues(level).Inc() }

// RecordPacketSent increments the sent-packet counter for level.
func RecordPacketSent(level string) { engineMetrics.packetsSent.WithLabelValues(level).Inc() }

// RecordFrameReceived increments the received-frame counter for kind.
func RecordFrameReceived(kind string) { engineMetrics.framesReceived.WithLabelValues(kind).Inc() }

// RecordRetransmission increments the retransmission counter.
func RecordRetransmission() { engineMetrics.retransmissions.Inc() }

// RecordConnectionIDIssued increments the self-issued connection-ID counter.
func RecordConnectionIDIssued() { engineMetrics.connectionIDsIssued.Inc() }

// RecordBandwidthSample increments the bandwidth-sample counter.
func RecordBandwidthSample() { engineMetrics.bandwidthSamples.Inc() }
