package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes the gateway's connectivity and activity gauges for
// scraping (spec §4.3's activity thresholds, exported for operational
// visibility rather than as a core invariant).
type Metrics struct {
	Connected       *prometheus.GaugeVec
	InboundActivity *prometheus.GaugeVec
	OutboundActivity *prometheus.GaugeVec
	TurnsTotal      *prometheus.CounterVec
}

// NewMetrics registers the gauges against reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Connected: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "imgateway",
			Name:      "platform_connected",
			Help:      "1 if the platform transport is currently connected, else 0.",
		}, []string{"platform"}),
		InboundActivity: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "imgateway",
			Name:      "platform_last_inbound_unixtime",
			Help:      "Unix seconds of the last inbound message observed on this platform.",
		}, []string{"platform"}),
		OutboundActivity: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "imgateway",
			Name:      "platform_last_outbound_unixtime",
			Help:      "Unix seconds of the last outbound send observed on this platform.",
		}, []string{"platform"}),
		TurnsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "imgateway",
			Name:      "turns_total",
			Help:      "Completed agent turns, partitioned by platform and outcome.",
		}, []string{"platform", "outcome"}),
	}
	reg.MustRegister(m.Connected, m.InboundActivity, m.OutboundActivity, m.TurnsTotal)
	return m
}
