package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var metricAuthentication = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "stellar_authentication_total",
		Help: "Authentication attempts and results.",
	},
	[]string{
		"kind",   // session, webadmin
		"result", // ok, badcreds, banned, error
	},
)

func AuthenticationInc(kind, result string) {
	metricAuthentication.WithLabelValues(kind, result).Inc()
}
