// Package metrics exposes engine counters on the default prometheus
// registry; the api package serves them at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SessionsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "campaign_sessions_started_total",
		Help: "Sessions created by the scheduler.",
	})
	SessionsCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "campaign_sessions_completed_total",
		Help: "Sessions that reached a stop node or a dead end.",
	})
	SessionsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "campaign_sessions_failed_total",
		Help: "Sessions terminated by an unrecovered node failure.",
	})
	SessionsExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "campaign_sessions_expired_total",
		Help: "Sessions aged out by the expiry sweep.",
	})
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "campaign_sessions_active",
		Help: "Sessions currently active across all campaigns.",
	})
	MessagesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "campaign_messages_sent_total",
		Help: "Outbound messages handed to the channel sender.",
	})
	NodeFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "campaign_node_failures_total",
		Help: "Node execution failures by node kind.",
	}, []string{"kind"})
)
