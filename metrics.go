package rotor

import (
	"encoding/json"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rotorproxy/rotor/balancer"
	"github.com/rotorproxy/rotor/pool"
)

// newMetricsHandler registers gauges over the live pool and balancer state
// and returns a mux serving /metrics and a JSON /status view.
func newMetricsHandler(p *pool.Pool, b *balancer.Balancer) http.Handler {
	registry := prometheus.NewRegistry()

	registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "rotor_instances_desired",
			Help: "Number of egress instances requested",
		},
		func() float64 {
			return float64(p.Snapshot().Desired)
		},
	))
	registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "rotor_instances_running",
			Help: "Number of egress instances in service",
		},
		func() float64 {
			return float64(p.Snapshot().Running)
		},
	))
	registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "rotor_instances_degraded",
			Help: "Number of instances with failed health checks",
		},
		func() float64 {
			return float64(p.Snapshot().Degraded)
		},
	))
	registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "rotor_instances_failed_starts",
			Help: "Instances that never passed their readiness gate",
		},
		func() float64 {
			return float64(p.Snapshot().FailedStarts)
		},
	))
	registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "rotor_backends_available",
			Help: "Backends currently eligible for traffic",
		},
		func() float64 {
			avail, _ := b.Counts()
			return float64(avail)
		},
	))
	registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "rotor_backends_unavailable",
			Help: "Backends demoted pending recovery",
		},
		func() float64 {
			_, unavail := b.Counts()
			return float64(unavail)
		},
	))

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(
		registry, promhttp.HandlerOpts{},
	))
	mux.HandleFunc("/status", func(w http.ResponseWriter,
		r *http.Request) {

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(p.Snapshot()); err != nil {
			rtorLog.Debugf("Unable to encode status: %v", err)
		}
	})

	return mux
}
