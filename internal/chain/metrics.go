package chain

import (
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
)

const (
	// MetricsSubsystem is a subsystem shared by all metrics exposed by this
	// package.
	MetricsSubsystem = "chain"
)

// Metrics contains metrics exposed by this package.
type Metrics struct {
	// Round of the main-chain tip.
	Height metrics.Gauge
	// Number of blocks accepted.
	BlocksProcessed metrics.Counter
	// Number of blocks rejected (duplicates excluded).
	BlocksRejected metrics.Counter
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
		Height: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "height",
			Help:      "Round of the main-chain tip.",
		}, labels).With(labelsAndValues...),
		BlocksProcessed: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "blocks_processed",
			Help:      "Number of blocks accepted.",
		}, labels).With(labelsAndValues...),
		BlocksRejected: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "blocks_rejected",
			Help:      "Number of blocks rejected.",
		}, labels).With(labelsAndValues...),
	}
}

// NopMetrics returns no-op Metrics.
func NopMetrics() *Metrics {
	return &Metrics{
		Height:          discard.NewGauge(),
		BlocksProcessed: discard.NewCounter(),
		BlocksRejected:  discard.NewCounter(),
	}
}
