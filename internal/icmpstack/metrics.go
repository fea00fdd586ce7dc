package icmpstack

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricMessagesIn = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netstackd_icmp_messages_in_total",
			Help: "Count of inbound ICMP messages by outcome",
		},
		[]string{"result"},
	)

	metricMessagesOut = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netstackd_icmp_messages_out_total",
			Help: "Count of outbound ICMP messages by outcome",
		},
		[]string{"result"},
	)
)
