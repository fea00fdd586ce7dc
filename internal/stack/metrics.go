package stack

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricDevicesUp = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "netstackd_devices_up",
			Help: "Current number of devices in the UP state",
		},
	)

	metricBringupErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netstackd_bringup_errors_total",
			Help: "Count of fatal errors encountered while bringing up the stack, by stage",
		},
		[]string{"stage"},
	)
)
