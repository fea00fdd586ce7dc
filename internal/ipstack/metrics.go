package ipstack

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricDatagramsIn = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netstackd_ip_datagrams_in_total",
			Help: "Count of inbound IPv4 datagrams by outcome",
		},
		[]string{"result"},
	)

	metricDatagramsOut = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netstackd_ip_datagrams_out_total",
			Help: "Count of outbound IPv4 datagrams by outcome",
		},
		[]string{"result"},
	)
)
