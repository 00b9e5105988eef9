// Package metrics provides Prometheus instrumentation for the quiz server.
// It exposes gauges for connections, sessions and duels, counters for
// message throughput and challenge terminations, and a histogram for
// handler latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of open client connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "quiz_connections_total",
		Help: "Current number of open client connections",
	})

	// ConnectionsRejected counts connections closed by the acceptor because
	// the connection cap was reached.
	ConnectionsRejected = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "quiz_connections_rejected_total",
		Help: "Connections refused because the connection cap was reached",
	})

	// MessagesTotal counts protocol messages, labeled by direction:
	// "received", "sent" or "pushed" (datagram).
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "quiz_messages_total",
		Help: "Total number of protocol messages processed",
	}, []string{"direction"})

	// MessageLatency records the time spent in a message handler.
	MessageLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "quiz_message_latency_seconds",
		Help:    "Message handler latency in seconds",
		Buckets: []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25},
	})

	// SessionsOnline tracks the number of logged in users.
	SessionsOnline = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "quiz_sessions_online",
		Help: "Current number of logged in users",
	})

	// ActiveChallenges tracks duels currently running.
	ActiveChallenges = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "quiz_active_challenges",
		Help: "Current number of running challenges",
	})

	// ChallengesTotal counts finished challenges by termination.
	ChallengesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "quiz_challenges_total",
		Help: "Finished challenges by termination",
	}, []string{"termination"}) // completed, expired, aborted

	// ChallengeDuration records the wall time of finished challenges.
	ChallengeDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "quiz_challenge_duration_seconds",
		Help:    "Time from challenge start to termination",
		Buckets: []float64{5, 10, 20, 30, 45, 60, 90, 120},
	})

	// LoginsThrottled counts LOG_IN attempts refused by the rate limiter.
	LoginsThrottled = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "quiz_logins_throttled_total",
		Help: "Login attempts refused by the rate limiter",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		ConnectionsRejected,
		MessagesTotal,
		MessageLatency,
		SessionsOnline,
		ActiveChallenges,
		ChallengesTotal,
		ChallengeDuration,
		LoginsThrottled,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
