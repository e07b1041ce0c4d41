package worker

import "github.com/prometheus/client_golang/prometheus"

var (
	promotionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_worker_promotions_total",
			Help: "Staged checkpoints promoted, by result.",
		},
		[]string{"result"},
	)

	controlCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_worker_control_calls_total",
			Help: "Calls from the worker to the commander, by call and result.",
		},
		[]string{"call", "result"},
	)
)

func init() {
	prometheus.MustRegister(promotionsTotal, controlCallsTotal)
}

func callResult(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
