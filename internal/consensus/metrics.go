package consensus

import (
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"

	prometheus "github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
)

const (
	// MetricsSubsystem is a subsystem shared by all metrics exposed by this
	// package.
	MetricsSubsystem = "consensus"
)

// Metrics contains metrics exposed by this package.
type Metrics struct {
	// Height of the canonical head.
	Height metrics.Gauge
	// Height of the finalized block.
	FinalizedHeight metrics.Gauge
	// Current epoch.
	Epoch metrics.Gauge

	// Number of active validators.
	Validators metrics.Gauge
	// Total stake of the active validators.
	ValidatorsStake metrics.Gauge

	// Number of reorgs applied.
	Reorgs metrics.Counter
	// Depth of applied reorgs.
	ReorgDepth metrics.Histogram

	// Blocks finalized by the stake-weighted vote rather than the trailing window.
	FastFinalized metrics.Counter
	// Checkpoints created.
	Checkpoints metrics.Counter

	// Slashes applied, labeled by reason.
	Slashes metrics.Counter
	// Stake removed by slashing.
	SlashedStake metrics.Counter
	// Validators currently jailed.
	Jailed metrics.Gauge

	// Blocks waiting for their parent.
	Orphans metrics.Gauge

	// Whether any circuit breaker is open. 1 if yes, 0 if no.
	CircuitBroken metrics.Gauge
	// Whether the engine halted on a safety violation. 1 if yes, 0 if no.
	Halted metrics.Gauge
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
			Help:      "Height of the canonical head.",
		}, labels).With(labelsAndValues...),
		FinalizedHeight: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "finalized_height",
			Help:      "Height of the finalized block.",
		}, labels).With(labelsAndValues...),
		Epoch: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "epoch",
			Help:      "Current epoch.",
		}, labels).With(labelsAndValues...),
		Validators: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "validators",
			Help:      "Number of active validators.",
		}, labels).With(labelsAndValues...),
		ValidatorsStake: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "validators_stake",
			Help:      "Total stake of the active validators.",
		}, labels).With(labelsAndValues...),
		Reorgs: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "reorgs",
			Help:      "Number of reorgs applied.",
		}, labels).With(labelsAndValues...),
		ReorgDepth: prometheus.NewHistogramFrom(stdprometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "reorg_depth",
			Help:      "Depth of applied reorgs.",
			Buckets:   stdprometheus.ExponentialBuckets(1, 2, 8),
		}, labels).With(labelsAndValues...),
		FastFinalized: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "fast_finalized_blocks",
			Help:      "Blocks finalized by stake-weighted votes.",
		}, labels).With(labelsAndValues...),
		Checkpoints: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "checkpoints",
			Help:      "Checkpoints created.",
		}, labels).With(labelsAndValues...),
		Slashes: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "slashes",
			Help:      "Slashes applied.",
		}, append(labels, "reason")).With(labelsAndValues...),
		SlashedStake: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "slashed_stake",
			Help:      "Stake removed by slashing.",
		}, labels).With(labelsAndValues...),
		Jailed: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "jailed_validators",
			Help:      "Validators currently jailed.",
		}, labels).With(labelsAndValues...),
		Orphans: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "orphans",
			Help:      "Blocks waiting for their parent.",
		}, labels).With(labelsAndValues...),
		CircuitBroken: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "circuit_broken",
			Help:      "Whether any circuit breaker is open. 1 if yes, 0 if no.",
		}, labels).With(labelsAndValues...),
		Halted: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "halted",
			Help:      "Whether the engine halted on a safety violation. 1 if yes, 0 if no.",
		}, labels).With(labelsAndValues...),
	}
}

// NopMetrics returns no-op Metrics.
func NopMetrics() *Metrics {
	return &Metrics{
		Height:          discard.NewGauge(),
		FinalizedHeight: discard.NewGauge(),
		Epoch:           discard.NewGauge(),

		Validators:      discard.NewGauge(),
		ValidatorsStake: discard.NewGauge(),

		Reorgs:     discard.NewCounter(),
		ReorgDepth: discard.NewHistogram(),

		FastFinalized: discard.NewCounter(),
		Checkpoints:   discard.NewCounter(),

		Slashes:      discard.NewCounter(),
		SlashedStake: discard.NewCounter(),
		Jailed:       discard.NewGauge(),

		Orphans: discard.NewGauge(),

		CircuitBroken: discard.NewGauge(),
		Halted:        discard.NewGauge(),
	}
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
