package arp

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	LabelOp = "op"
)

var (
	metricCacheEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "netstackd_arp_cache_entries",
			Help: "Current number of non-free ARP cache entries",
		},
	)

	metricResolutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netstackd_arp_resolutions_total",
			Help: "Count of Resolve calls by outcome",
		},
		[]string{"result"},
	)

	metricMessagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netstackd_arp_messages_sent_total",
			Help: "Count of ARP messages transmitted",
		},
		[]string{LabelOp},
	)

	metricEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "netstackd_arp_cache_evictions_total",
			Help: "Count of cache entries evicted by timeout sweep",
		},
	)
)
