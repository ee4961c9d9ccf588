package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics aggregates the gateway's Prometheus instruments. Each Server
// registers its own set on its own registry, so several servers can
// coexist in one process.
type Metrics struct {
	Requests  *prometheus.CounterVec
	Denials   *prometheus.CounterVec
	Duration  *prometheus.HistogramVec
	Budget    *prometheus.CounterVec
	Approvals *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Requests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Handled requests by route and status code.",
		}, []string{"route", "code"}),
		Denials: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_denials_total",
			Help: "Denied requests by pipeline stage and reason.",
		}, []string{"stage", "reason"}),
		Duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_request_duration_seconds",
			Help:    "Request latency by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
		Budget: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_budget_checks_total",
			Help: "Budget guard outcomes.",
		}, []string{"outcome"}),
		Approvals: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_approval_consumes_total",
			Help: "Approval consume attempts by result.",
		}, []string{"result"}),
	}
}
