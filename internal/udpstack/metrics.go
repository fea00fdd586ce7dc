package udpstack

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricOpenPCBs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "netstackd_udp_open_pcbs",
			Help: "Current number of open UDP PCBs",
		},
	)

	metricSegmentsIn = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netstackd_udp_segments_in_total",
			Help: "Count of inbound UDP segments by outcome",
		},
		[]string{"result"},
	)

	metricSegmentsOut = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netstackd_udp_segments_out_total",
			Help: "Count of outbound UDP segments by outcome",
		},
		[]string{"result"},
	)
)
