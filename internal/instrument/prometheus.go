// Package instrument exports client metrics to prometheus.
package instrument

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registry = prometheus.NewRegistry()

	circuitsBuilt = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "onion_circuits_built_total",
			Help: "Number of circuits built successfully",
		},
	)
	circuitFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "onion_circuit_failures_total",
			Help: "Number of failed circuit builds, by reason",
		},
		[]string{"reason"},
	)
	buildDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "onion_circuit_build_seconds",
			Help:    "Time taken to build a circuit",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		},
	)
	streamsOpened = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "onion_streams_opened_total",
			Help: "Number of streams opened",
		},
	)
	protocolViolations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "onion_protocol_violations_total",
			Help: "Number of circuits closed because of a protocol violation",
		},
	)
	channelsLaunched = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "onion_channels_launched_total",
			Help: "Number of channels opened to relays",
		},
	)
	firstHopReports = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "onion_first_hop_reports_total",
			Help: "Number of first hop outcomes reported, by kind and status",
		},
		[]string{"kind", "status"},
	)
)

func init() {
	registry.MustRegister(circuitsBuilt)
	registry.MustRegister(circuitFailures)
	registry.MustRegister(buildDuration)
	registry.MustRegister(streamsOpened)
	registry.MustRegister(protocolViolations)
	registry.MustRegister(channelsLaunched)
	registry.MustRegister(firstHopReports)
}

// Handler serves the registered metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

func CircuitBuilt(d time.Duration) {
	circuitsBuilt.Inc()
	buildDuration.Observe(d.Seconds())
}

func CircuitFailed(reason string) {
	circuitFailures.With(prometheus.Labels{"reason": reason}).Inc()
}

func StreamOpened() {
	streamsOpened.Inc()
}

func ProtocolViolation() {
	protocolViolations.Inc()
}

func ChannelLaunched() {
	channelsLaunched.Inc()
}

func FirstHopReport(kind, status string) {
	firstHopReports.With(prometheus.Labels{"kind": kind, "status": status}).Inc()
}
