package observability

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// RPC outcomes recorded by RecordRPC.
const (
	OutcomeOK       = "ok"
	OutcomeError    = "error"
	OutcomeRejected = "rejected"
	OutcomeTimeout  = "timeout"
)

var (
	registerOnce sync.Once

	rpcRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sxutil",
			Subsystem: "rpc",
			Name:      "requests_total",
			Help:      "Directory and exchange calls by operation and outcome.",
		},
		[]string{"op", "outcome"},
	)
	rpcDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "sxutil",
			Subsystem: "rpc",
			Name:      "request_duration_seconds",
			Help:      "Directory and exchange call latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"op"},
	)
	heartbeats = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sxutil",
			Subsystem: "node",
			Name:      "heartbeats_total",
			Help:      "Keepalive ticks by outcome.",
		},
		[]string{"outcome"},
	)
	keepaliveCommands = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sxutil",
			Subsystem: "node",
			Name:      "keepalive_commands_total",
			Help:      "Directory commands received on keepalive replies.",
		},
		[]string{"command"},
	)
	negotiationLocked = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "sxutil",
			Subsystem: "node",
			Name:      "negotiation_locked",
			Help:      "1 while a server change is waiting for the negotiation state to drain.",
		},
	)
	droppedMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sxutil",
			Subsystem: "client",
			Name:      "dropped_messages_total",
			Help:      "Subscription messages dropped while the node was locked.",
		},
		[]string{"kind"},
	)
	subscriptionRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sxutil",
			Subsystem: "client",
			Name:      "subscription_restarts_total",
			Help:      "Subscription loops restarted after the stream ended.",
		},
		[]string{"kind"},
	)
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sxutil",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Status server requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "sxutil",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Status server request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			rpcRequests,
			rpcDuration,
			heartbeats,
			keepaliveCommands,
			negotiationLocked,
			droppedMessages,
			subscriptionRestarts,
			httpRequests,
			httpDuration,
		)
	})
}

func RecordRPC(op, outcome string, duration time.Duration) {
	RegisterMetrics()
	rpcRequests.WithLabelValues(op, outcome).Inc()
	rpcDuration.WithLabelValues(op).Observe(duration.Seconds())
}

// Outcome classifies a finished call. ok is the remote acknowledgement and is
// ignored when err is set.
func Outcome(err error, ok bool) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return OutcomeTimeout
	case err != nil:
		return OutcomeError
	case !ok:
		return OutcomeRejected
	}
	return OutcomeOK
}

// ObserveCall records a call that started at start and returns its outcome.
func ObserveCall(op string, start time.Time, err error, ok bool) string {
	outcome := Outcome(err, ok)
	RecordRPC(op, outcome, time.Since(start))
	return outcome
}

func RecordHeartbeat(outcome string) {
	RegisterMetrics()
	heartbeats.WithLabelValues(outcome).Inc()
}

func RecordKeepAliveCommand(command string) {
	RegisterMetrics()
	keepaliveCommands.WithLabelValues(command).Inc()
}

func SetNegotiationLocked(locked bool) {
	RegisterMetrics()
	if locked {
		negotiationLocked.Set(1)
		return
	}
	negotiationLocked.Set(0)
}

func RecordDropped(kind string) {
	RegisterMetrics()
	droppedMessages.WithLabelValues(kind).Inc()
}

func RecordSubscriptionRestart(kind string) {
	RegisterMetrics()
	subscriptionRestarts.WithLabelValues(kind).Inc()
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}
