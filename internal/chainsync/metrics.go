package chainsync

import (
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
)

const (
	// MetricsSubsystem is a subsystem shared by all metrics exposed by this
	// package.
	MetricsSubsystem = "sync"
)

// Metrics contains metrics exposed by this package.
type Metrics struct {
	// Block requests sent, by direction.
	RequestsSent metrics.Counter
	// Blocks pushed to the ingestion channel.
	BlocksIngested metrics.Counter
	// Blocks that failed verification, by mode.
	VerifyFailures metrics.Counter
	// Fork points found by descending searches.
	ForkPoints metrics.Counter
	// Begin-mining signals emitted.
	MiningSignals metrics.Counter
	// Highest height signalled while caught up.
	Watermark metrics.Gauge
	// Peers with an open descending buffer.
	PeerBuffers metrics.Gauge
}

// PrometheusMetrics returns Metrics build using Prometheus client library.
// Optionally, labels can be provided along with their values ("foo",
// "fooValue").
func PrometheusMetrics(namespace string, labelsAndValues ...string) *Metrics {
	labels := []string{}
	for i := 0; i < len(labelsAndValues); i += 2 {
		labels = append(labels, labelsAndValues[i])
	}
	return &Metrics{
		RequestsSent: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "requests_sent",
			Help:      "Block requests sent, by direction.",
		}, append(labels, "direction")).With(labelsAndValues...),
		BlocksIngested: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "blocks_ingested",
			Help:      "Blocks pushed to the ingestion channel.",
		}, labels).With(labelsAndValues...),
		VerifyFailures: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "verify_failures",
			Help:      "Blocks that failed verification, by mode.",
		}, append(labels, "mode")).With(labelsAndValues...),
		ForkPoints: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "fork_points",
			Help:      "Fork points found by descending searches.",
		}, labels).With(labelsAndValues...),
		MiningSignals: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "mining_signals",
			Help:      "Begin-mining signals emitted.",
		}, labels).With(labelsAndValues...),
		Watermark: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "watermark",
			Help:      "Highest height signalled while caught up.",
		}, labels).With(labelsAndValues...),
		PeerBuffers: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "peer_buffers",
			Help:      "Peers with an open descending buffer.",
		}, labels).With(labelsAndValues...),
	}
}

// NopMetrics returns no-op Metrics.
func NopMetrics() *Metrics {
	return &Metrics{
		RequestsSent:   discard.NewCounter(),
		BlocksIngested: discard.NewCounter(),
		VerifyFailures: discard.NewCounter(),
		ForkPoints:     discard.NewCounter(),
		MiningSignals:  discard.NewCounter(),
		Watermark:      discard.NewGauge(),
		PeerBuffers:    discard.NewGauge(),
	}
}
