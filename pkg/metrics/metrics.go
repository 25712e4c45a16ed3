package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// OrdersProcessed counts orders accepted by the matching engine, by side.
var OrdersProcessed = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "simex_orders_processed_total",
		Help: "Total number of orders processed by the matching engine",
	},
	[]string{"side"},
)

// OrdersRejected counts rejected submissions by reason code.
var OrdersRejected = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "simex_orders_rejected_total",
		Help: "Total number of order submissions rejected, by reason",
	},
	[]string{"reason"},
)

// TradesExecuted counts executions produced by the matching engine.
var TradesExecuted = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "simex_trades_executed_total",
		Help: "Total number of trades executed",
	},
)

// OrderLatency records latency distribution for order processing.
var OrderLatency = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "simex_order_processing_latency_seconds",
		Help:    "Latency in seconds to process individual orders",
		Buckets: prometheus.DefBuckets,
	},
)

// CommandsExecuted counts lesson commands applied, by command type.
var CommandsExecuted = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "simex_commands_executed_total",
		Help: "Total number of lesson commands executed",
	},
	[]string{"type"},
)

// ConnectedClients tracks currently connected websocket subscribers.
var ConnectedClients = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "simex_ws_connected_clients",
		Help: "Number of currently connected websocket clients",
	},
)

// AuditQueueDepth tracks the write-behind persistence queue backlog.
var AuditQueueDepth = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "simex_audit_queue_depth",
		Help: "Number of records waiting in the write-behind audit queue",
	},
)

func init() {
	prometheus.MustRegister(OrdersProcessed, OrdersRejected, TradesExecuted, OrderLatency)
	prometheus.MustRegister(CommandsExecuted, ConnectedClients, AuditQueueDepth)
}
