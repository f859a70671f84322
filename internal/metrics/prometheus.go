package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Session metrics
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "talkbot_active_sessions",
		Help: "Number of conversation sessions currently running",
	})
	Turns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "talkbot_turns_total",
		Help: "Response turns by outcome (complete, interrupted, aborted)",
	}, []string{"outcome"})
	Interrupts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "talkbot_interrupts_total",
		Help: "Responses interrupted by new user input",
	})

	// Channel metrics
	ChannelConnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "talkbot_channel_connects_total",
		Help: "Duplex channel connect attempts by channel and result",
	}, []string{"channel", "result"})
	ChannelConnectDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "talkbot_channel_connect_seconds",
		Help:    "Time from dial to backend readiness",
		Buckets: prometheus.DefBuckets,
	}, []string{"channel"})
	MalformedMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "talkbot_malformed_messages_total",
		Help: "Undecodable frames dropped per channel",
	}, []string{"channel"})

	// Credential metrics
	TokenRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "talkbot_token_requests_total",
		Help: "Ephemeral token requests by result",
	}, []string{"result"})
)
