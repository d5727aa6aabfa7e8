package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	scans        *prometheus.CounterVec
	scanDuration prometheus.Histogram
	instances    prometheus.Gauge
	fired        *prometheus.CounterVec
	failures     prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		scans: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "docflow_scheduler_scans_total",
				Help: "Total number of deadline scans by result",
			},
			[]string{"result"},
		),
		scanDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "docflow_scheduler_scan_duration_seconds",
				Help:    "Duration of a deadline scan",
				Buckets: prometheus.DefBuckets,
			},
		),
		instances: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "docflow_scheduler_active_instances",
				Help: "Number of active instances seen by the last scan",
			},
		),
		fired: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "docflow_scheduler_deadlines_fired_total",
				Help: "Total number of deadline events fired by kind",
			},
			[]string{"kind"},
		),
		failures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "docflow_scheduler_instance_failures_total",
				Help: "Total number of instances whose deadline check failed",
			},
		),
	}
	if reg != nil {
		reg.MustRegister(m.scans, m.scanDuration, m.instances, m.fired, m.failures)
	}
	return m
}
