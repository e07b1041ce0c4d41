package authority

import "github.com/prometheus/client_golang/prometheus"

var (
	leaseGrants = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_lease_grants_total",
			Help: "Total number of leases granted, by whether the grant was forced.",
		},
		[]string{"forced"},
	)

	leaseDenials = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_lease_denials_total",
			Help: "Total number of lease acquisitions denied because a lease was live.",
		},
	)

	leaseRenewals = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_lease_renewals_total",
			Help: "Total number of lease renewal attempts, by result.",
		},
		[]string{"result"},
	)

	jobReports = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_job_reports_total",
			Help: "Total number of accepted job reports, by run status.",
		},
		[]string{"status"},
	)

	activeLeases = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_lease_active",
			Help: "Whether a lease is currently held (1) or not (0).",
		},
	)
)

func init() {
	prometheus.MustRegister(leaseGrants)
	prometheus.MustRegister(leaseDenials)
	prometheus.MustRegister(leaseRenewals)
	prometheus.MustRegister(jobReports)
	prometheus.MustRegister(activeLeases)
}
