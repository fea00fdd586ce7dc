package tcpstack

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricOpenPCBs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "netstackd_tcp_open_pcbs",
			Help: "Current number of non-free TCP PCBs",
		},
	)

	metricSegmentsIn = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netstackd_tcp_segments_in_total",
			Help: "Count of inbound TCP segments by outcome",
		},
		[]string{"result"},
	)

	metricSegmentsOut = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netstackd_tcp_segments_out_total",
			Help: "Count of outbound TCP segments by outcome",
		},
		[]string{"result"},
	)

	metricRetransmits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "netstackd_tcp_retransmits_total",
			Help: "Count of segments re-sent by the retransmit timer",
		},
	)

	metricConnectionTimeouts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "netstackd_tcp_connection_timeouts_total",
			Help: "Count of connections dropped after exceeding the retransmit deadline",
		},
	)
)
