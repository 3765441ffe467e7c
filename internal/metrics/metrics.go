package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "market_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	HTTPResponseTime = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "market_http_response_time_seconds",
			Help:    "Histogram of response times",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	ExecutionsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "market_executions_started_total",
			Help: "Slots allocated, by task type",
		},
		[]string{"type"},
	)

	StartRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "market_start_rejections_total",
			Help: "Start calls refused, by reason",
		},
		[]string{"reason"},
	)

	DepositsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "market_deposits_total",
			Help: "Inbound transfers recorded, by status",
		},
		[]string{"status"},
	)

	WithdrawalTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "market_withdrawal_transitions_total",
			Help: "Withdrawal state changes, by target status",
		},
		[]string{"status"},
	)

	TonRPCCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "market_ton_rpc_calls_total",
			Help: "Liteserver calls, by method and result",
		},
		[]string{"method", "result"},
	)
)
