// Package metrics exposes the prometheus collectors for forward passes and
// adapter lifecycle. Collectors register on the default registry.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "multilora"

var (
	ForwardDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "forward_duration_seconds",
		Help:      "Duration of model forward passes",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 16),
	}, []string{"mode"})

	ForwardTokens = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "forward_tokens_total",
		Help:      "Token positions processed, by adapter (empty for base only)",
	}, []string{"adapter"})

	ForwardErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "forward_errors_total",
		Help:      "Forward passes that returned an error",
	}, []string{"reason"})

	AttachedAdapters = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "attached_adapters",
		Help:      "Adapters currently attached to the model",
	})

	AdapterParameters = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "adapter_parameters",
		Help:      "Trainable scalar parameters per adapter",
	}, []string{"adapter"})

	SequenceLength = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "sequence_length_tokens",
		Help:      "Distribution of padded batch sequence lengths",
		Buckets:   []float64{8, 32, 128, 512, 1024, 2048, 4096, 8192},
	})
)

func mode(inference bool) string {
	if inference {
		return "inference"
	}
	return "training"
}

// RecordForward observes one completed forward pass.
func RecordForward(inference bool, seqLen int, rowsPerAdapter map[string]int, d time.Duration) {
	ForwardDuration.WithLabelValues(mode(inference)).Observe(d.Seconds())
	SequenceLength.Observe(float64(seqLen))
	for adapter, rows := range rowsPerAdapter {
		ForwardTokens.WithLabelValues(adapter).Add(float64(rows * seqLen))
	}
}

func RecordForwardError(reason string) {
	ForwardErrors.WithLabelValues(reason).Inc()
}

// RecordAdapter sets the parameter gauge for an adapter, or removes it when
// params is zero.
func RecordAdapter(name string, params int) {
	if params == 0 {
		AdapterParameters.DeleteLabelValues(name)
		return
	}
	AdapterParameters.WithLabelValues(name).Set(float64(params))
}

func SetAttachedAdapters(n int) {
	AttachedAdapters.Set(float64(n))
}
