package telemetry

// Histogram bucket definitions for vigil's latency profiles.
var (
	// CommitBuckets for durable commit + fan-out latency.
	CommitBuckets = []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5}

	// BootstrapBuckets for view-set snapshot builds.
	BootstrapBuckets = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30}
)

// Transaction pipeline metrics.
var (
	// TxnTotal counts transactions by result (committed, aborted, failed).
	TxnTotal CounterVec = noopCounterVec{}

	// StatementsTotal counts applied statements by action.
	StatementsTotal CounterVec = noopCounterVec{}

	// TxnActive tracks currently open transactions.
	TxnActive Gauge = NoopStat{}

	// CommitPublishSeconds measures durable apply plus committed fan-out.
	CommitPublishSeconds Histogram = NoopStat{}
)

// Dispatch metrics.
var (
	// ListenersActive tracks registered listeners by phase.
	ListenersActive GaugeVec = noopGaugeVec{}

	// BatchesPublishedTotal counts delivered batches by phase.
	BatchesPublishedTotal CounterVec = noopCounterVec{}

	// ListenerErrorsTotal counts contained listener failures by phase.
	ListenerErrorsTotal CounterVec = noopCounterVec{}
)

// Dynamic view metrics.
var (
	// ViewSetsActive tracks view sets in the Active state.
	ViewSetsActive Gauge = NoopStat{}

	// ViewEventsTotal counts derived view events by action.
	ViewEventsTotal CounterVec = noopCounterVec{}

	// BootstrapSeconds measures snapshot build latency.
	BootstrapSeconds Histogram = NoopStat{}

	// BootstrapRowsTotal counts rows delivered in bootstrap snapshots.
	BootstrapRowsTotal Counter = NoopStat{}

	// ConsistencyViolationsTotal counts evaluator state mismatches.
	// Any nonzero value indicates a delivery-ordering bug.
	ConsistencyViolationsTotal Counter = NoopStat{}
)

// Publisher metrics.
var (
	// SinkPublishTotal counts sink publications by sink and result.
	SinkPublishTotal CounterVec = noopCounterVec{}

	// SinkRetriesTotal counts publish retries by sink.
	SinkRetriesTotal CounterVec = noopCounterVec{}
)

// InitMetrics builds the live instruments. Called by
// InitializeTelemetry after the registry exists.
func InitMetrics() {
	TxnTotal = NewCounterVec(
		"txn_total",
		"Transactions by result",
		[]string{"result"})

	StatementsTotal = NewCounterVec(
		"statements_total",
		"Applied statements by action",
		[]string{"action"})

	TxnActive = NewGauge(
		"txn_active",
		"Currently open transactions")

	CommitPublishSeconds = NewHistogramWithBuckets(
		"commit_publish_seconds",
		"Durable apply plus committed fan-out latency",
		CommitBuckets)

	ListenersActive = NewGaugeVec(
		"listeners_active",
		"Registered listeners by phase",
		[]string{"phase"})

	BatchesPublishedTotal = NewCounterVec(
		"batches_published_total",
		"Delivered batches by phase",
		[]string{"phase"})

	ListenerErrorsTotal = NewCounterVec(
		"listener_errors_total",
		"Contained listener failures by phase",
		[]string{"phase"})

	ViewSetsActive = NewGauge(
		"view_sets_active",
		"View sets currently receiving live commits")

	ViewEventsTotal = NewCounterVec(
		"view_events_total",
		"Derived view events by action",
		[]string{"action"})

	BootstrapSeconds = NewHistogramWithBuckets(
		"bootstrap_seconds",
		"View-set snapshot build latency",
		BootstrapBuckets)

	BootstrapRowsTotal = NewCounter(
		"bootstrap_rows_total",
		"Rows delivered in bootstrap snapshots")

	ConsistencyViolationsTotal = NewCounter(
		"consistency_violations_total",
		"Evaluator state mismatches (bugs)")

	SinkPublishTotal = NewCounterVec(
		"sink_publish_total",
		"Sink publications by sink and result",
		[]string{"sink", "result"})

	SinkRetriesTotal = NewCounterVec(
		"sink_retries_total",
		"Publish retries by sink",
		[]string{"sink"})
}
