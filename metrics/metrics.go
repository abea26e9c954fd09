// Package metrics instruments the sync path with Prometheus counters.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FramesRouted counts inbound frames by multiplexer verdict.
	FramesRouted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "minidoc_frames_routed_total",
		Help: "Inbound collaboration frames by routing verdict",
	}, []string{"verdict"})

	// SendsDropped counts outbound frames dropped because the channel was not
	// open or its buffer was full.
	SendsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "minidoc_sends_dropped_total",
		Help: "Outbound frames dropped by the transport channel",
	}, []string{"reason"})

	ConnectAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "minidoc_connect_attempts_total",
		Help: "Collaboration endpoint connection attempts by result",
	}, []string{"result"})

	TerminalFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "minidoc_channel_terminal_failures_total",
		Help: "Channels that gave up reconnecting",
	})

	DeltasRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "minidoc_deltas_rejected_total",
		Help: "Inbound deltas rejected as malformed",
	})
)
