package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Instance metrics
	InstancesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ctf_manager_instances_total",
			Help: "Number of tracked instances by phase",
		},
		[]string{"phase"},
	)

	ChallengesLoaded = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ctf_manager_challenges_loaded",
			Help: "Number of challenge definitions in the registry",
		},
	)

	// Reconciler metrics
	ReconcileCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ctf_manager_reconcile_cycles_total",
			Help: "Total number of reconciliation cycles",
		},
	)

	ReconcileDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ctf_manager_reconcile_duration_seconds",
			Help:    "Time taken by one reconciliation cycle in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	InstanceCreatesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ctf_manager_instance_creates_total",
			Help: "Total number of instance create actions issued",
		},
	)

	InstanceDeletesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ctf_manager_instance_deletes_total",
			Help: "Total number of instance delete actions issued",
		},
	)

	InstanceFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ctf_manager_instance_failures_total",
			Help: "Total number of failed cluster actions",
		},
	)

	InstanceExpiriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ctf_manager_instance_expiries_total",
			Help: "Total number of instances reclaimed by TTL expiry",
		},
	)

	// Git sync metrics
	GitSyncsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ctf_manager_git_syncs_total",
			Help: "Total number of git sync attempts by result",
		},
		[]string{"result"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ctf_manager_api_requests_total",
			Help: "Total number of control API requests by operation and code",
		},
		[]string{"operation", "code"},
	)
)

func init() {
	prometheus.MustRegister(InstancesTotal)
	prometheus.MustRegister(ChallengesLoaded)
	prometheus.MustRegister(ReconcileCyclesTotal)
	prometheus.MustRegister(ReconcileDuration)
	prometheus.MustRegister(InstanceCreatesTotal)
	prometheus.MustRegister(InstanceDeletesTotal)
	prometheus.MustRegister(InstanceFailuresTotal)
	prometheus.MustRegister(InstanceExpiriesTotal)
	prometheus.MustRegister(GitSyncsTotal)
	prometheus.MustRegister(APIRequestsTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
