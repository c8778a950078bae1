package metrics

import "github.com/prometheus/client_golang/prometheus"

// Per-batch pipeline metrics. Silent data loss is the main correctness risk
// of inner-join aggregation, so every exclusion path has a counter.
var (
	RecordsRead = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "churn_pipeline",
		Name:      "records_read_total",
		Help:      "Raw records emitted by ingestion, per source",
	}, []string{"source"})

	RecordsMalformed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "churn_pipeline",
		Name:      "records_malformed_total",
		Help:      "Raw records tagged malformed during ingestion",
	}, []string{"source"})

	RecordsDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "churn_pipeline",
		Name:      "records_dropped_total",
		Help:      "Records excluded during cleaning, by reason",
	}, []string{"source", "reason"})

	ConstraintViolations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "churn_pipeline",
		Name:      "constraint_violations_total",
		Help:      "Constraint predicate failures, per constraint",
	}, []string{"source", "constraint"})

	JoinGaps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "churn_pipeline",
		Name:      "join_gaps_total",
		Help:      "Keys excluded from aggregation because a source lacked them",
	}, []string{"missing"})

	RecordsScored = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "churn_pipeline",
		Name:      "records_scored_total",
		Help:      "Scoring outcomes by status (ok|failed)",
	}, []string{"status"})

	AggregateKeys = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "churn_pipeline",
		Name:      "aggregate_keys",
		Help:      "Feature rows produced by the last aggregation",
	})

	BatchDuration = prometheus.NewSummary(prometheus.SummaryOpts{
		Namespace: "churn_pipeline",
		Name:      "batch_duration_seconds",
		Help:      "Time spent per micro-batch",
	})

	BatchesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "churn_pipeline",
		Name:      "batches_total",
		Help:      "Micro-batches by outcome (ok|failed)",
	}, []string{"status"})

	LastSuccessTS = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "churn_pipeline",
		Name:      "last_success_timestamp_seconds",
		Help:      "Unix timestamp of the last fully committed batch",
	})
)

func init() {
	prometheus.MustRegister(
		RecordsRead, RecordsMalformed, RecordsDropped, ConstraintViolations,
		JoinGaps, RecordsScored, AggregateKeys, BatchDuration, BatchesTotal,
		LastSuccessTS,
	)
}
