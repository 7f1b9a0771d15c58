// Package metrics exposes prometheus collectors for quantization runs.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CalibrationBatches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ptq_calibration_batches_total",
		Help: "Representative batches run through the graph for statistics collection",
	})

	HessianCacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ptq_hessian_cache_hits_total",
		Help: "Hessian score requests served from the cache",
	}, []string{"mode"})

	HessianCacheMisses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ptq_hessian_cache_misses_total",
		Help: "Hessian score requests that needed computation",
	}, []string{"mode"})

	HessianSamplesComputed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ptq_hessian_samples_computed_total",
		Help: "Per-node Hessian score samples computed",
	}, []string{"mode"})

	ParamsComputed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ptq_quantization_params_total",
		Help: "Quantization parameter searches by method",
	}, []string{"method"})

	GPTQSteps = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ptq_gptq_steps_total",
		Help: "Optimizer steps taken by GPTQ fine-tuning",
	})

	GPTQLoss = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ptq_gptq_loss",
		Help: "Most recent GPTQ batch loss",
	})

	MixedPrecisionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ptq_mixed_precision_search_seconds",
		Help:    "Duration of mixed-precision bit-width searches",
		Buckets: prometheus.DefBuckets,
	})

	RunDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ptq_stage_duration_seconds",
		Help:    "Duration of pipeline stages",
		Buckets: prometheus.DefBuckets,
	}, []string{"stage"})
)

func RecordCalibrationBatch() {
	CalibrationBatches.Inc()
}

func RecordHessianFetch(mode string, hit bool) {
	if hit {
		HessianCacheHits.WithLabelValues(mode).Inc()
		return
	}
	HessianCacheMisses.WithLabelValues(mode).Inc()
}

func RecordHessianSamples(mode string, n int) {
	HessianSamplesComputed.WithLabelValues(mode).Add(float64(n))
}

func RecordParams(method string) {
	ParamsComputed.WithLabelValues(method).Inc()
}

func RecordGPTQStep(loss float64) {
	GPTQSteps.Inc()
	GPTQLoss.Set(loss)
}

func RecordMixedPrecisionSearch(d time.Duration) {
	MixedPrecisionDuration.Observe(d.Seconds())
}

// Stage times a pipeline stage. Call the returned func when it ends.
func Stage(name string) func() {
	start := time.Now()
	return func() {
		RunDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	}
}

// WriteTextfile writes a snapshot of every registered collector in the
// text exposition format, for node-exporter style textfile collection.
func WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, prometheus.DefaultGatherer)
}
