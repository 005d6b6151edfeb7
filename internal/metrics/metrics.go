package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	GeneratedTokensTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "infill_generated_tokens_total",
		Help: "The total number of tokens generated across all requests",
	})

	DecodeStepDuration = promauto.NewSummary(prometheus.SummaryOpts{
		Name: "infill_decode_step_duration_seconds",
		Help: "Duration of single decoder steps",
	})

	EncodePassDuration = promauto.NewSummary(prometheus.SummaryOpts{
		Name: "infill_encode_pass_duration_seconds",
		Help: "Duration of full encoder passes",
	})

	TransferDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "infill_transfer_duration_seconds",
		Help:    "Host to device layer transfer times",
		Buckets: prometheus.DefBuckets,
	}, []string{"stack"})

	TransferBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "infill_transfer_bytes_total",
		Help: "Total bytes copied into arena slots",
	})

	TransferFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "infill_transfer_failures_total",
		Help: "Total failed host to device transfers",
	})

	SlotTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "infill_arena_slot_transitions_total",
		Help: "Arena slot state transitions by target state",
	}, []string{"state"})

	ArenaSlots = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "infill_arena_slots",
		Help: "Configured arena slot count",
	})

	ArenaBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "infill_arena_bytes",
		Help: "Total bytes reserved by the arena",
	})

	NumericAnomalies = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "infill_numeric_anomalies_total",
		Help: "NaN/Inf values detected at layer boundaries",
	}, []string{"stack", "kind"})

	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "infill_requests_total",
		Help: "Generation requests by outcome",
	}, []string{"outcome"})

	SpansResolved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "infill_spans_resolved_total",
		Help: "Total span markers resolved",
	})

	PrefetchDepth = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "infill_prefetch_depth",
		Help:    "Observed lookahead depth of the copy queue",
		Buckets: []float64{0, 1, 2, 3, 4, 6, 8, 16},
	})
)

func RecordArenaSize(slots int, bytes int64) {
	ArenaSlots.Set(float64(slots))
	ArenaBytes.Set(float64(bytes))
}

func RecordTransfer(stack string, bytes int, d time.Duration) {
	TransferDuration.WithLabelValues(stack).Observe(d.Seconds())
	TransferBytesTotal.Add(float64(bytes))
}

func RecordDecodeStep(tokens int, d time.Duration) {
	GeneratedTokensTotal.Add(float64(tokens))
	DecodeStepDuration.Observe(d.Seconds())
}

func RecordEncodePass(d time.Duration) {
	EncodePassDuration.Observe(d.Seconds())
}

func RecordNumericAnomaly(stack string, nanCount, infCount int) {
	if nanCount > 0 {
		NumericAnomalies.WithLabelValues(stack, "nan").Add(float64(nanCount))
	}
	if infCount > 0 {
		NumericAnomalies.WithLabelValues(stack, "inf").Add(float64(infCount))
	}
}

func RecordRequest(outcome string) {
	RequestsTotal.WithLabelValues(outcome).Inc()
}
