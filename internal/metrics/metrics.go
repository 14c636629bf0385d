package metrics

import (
	"log"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Lifecycle metrics
var (
	ServerUp = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dispenser_server_up",
			Help: "1 while a managed server is active",
		},
	)

	PlayerCount = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dispenser_player_count",
			Help: "Last observed player count on the managed server",
		},
	)

	TransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispenser_transitions_total",
			Help: "Lifecycle transitions by trigger and result",
		},
		[]string{"trigger", "result"},
	)

	StopsDeferredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispenser_stops_deferred_total",
			Help: "Stop cycles that abstained from teardown",
		},
		[]string{"reason"},
	)

	ProvisionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dispenser_provision_duration_seconds",
			Help:    "Time from provision call to a reachable instance",
			Buckets: []float64{15, 30, 60, 90, 120, 180, 300, 600},
		},
	)

	ProviderErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispenser_provider_errors_total",
			Help: "Failed cloud provider API calls",
		},
		[]string{"op"},
	)
)

func init() {
	prometheus.MustRegister(
		ServerUp,
		PlayerCount,
		TransitionsTotal,
		StopsDeferredTotal,
		ProvisionDuration,
		ProviderErrorsTotal,
	)
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// StartMetricsServer starts a standalone HTTP server serving /metrics on the
// given address.
func StartMetricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Printf("metrics: server on %s stopped: %v", addr, err)
		}
	}()
	return srv
}
