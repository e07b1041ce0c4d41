package artifact

import "github.com/prometheus/client_golang/prometheus"

var syncsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "relay_artifact_syncs_total",
		Help: "Checkpoint snapshot syncs by mode and result.",
	},
	[]string{"mode", "result"},
)

func init() {
	prometheus.MustRegister(syncsTotal)
}
