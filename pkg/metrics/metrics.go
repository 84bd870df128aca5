// Package metrics exposes the coordinator and participant's Prometheus
// collectors: transaction outcomes, RPC call results, RPC latency, and
// how many in-flight transactions crash recovery found on startup.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TransactionsTotal counts finished transactions by outcome:
	// "committed" or "aborted".
	TransactionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "twopc_transactions_total",
		Help: "Total transactions processed by the coordinator, by final outcome.",
	}, []string{"outcome"})

	// ParticipantRPCTotal counts each RPC the coordinator makes to a
	// participant, by operation and result: "ok", "transport_error",
	// "deadline_exceeded", or "error". A NO vote is counted as "ok".
	ParticipantRPCTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "twopc_participant_rpc_total",
		Help: "RPCs issued to participants, by operation and result.",
	}, []string{"op", "result"})

	// RPCDuration observes wall-clock latency of the coordinator's
	// Initialize, Prepare and Commit calls to participants.
	RPCDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "twopc_rpc_duration_seconds",
		Help:    "Latency of coordinator RPCs to participants, by operation.",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	// RecoveredTransactionsTotal counts the transaction records a process
	// loads from its store at startup, terminal ones included, by the state
	// they were stored in.
	RecoveredTransactionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "twopc_recovered_transactions_total",
		Help: "Transaction records loaded from the store at startup, by stored state.",
	}, []string{"state"})
)

// Handler returns the Prometheus HTTP handler; both servers mount it at
// /_metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
