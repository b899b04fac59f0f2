// Package metrics provides Prometheus metrics for Veridata components.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var registerOnce sync.Once

const (
	// Namespace is the Prometheus namespace for all Veridata metrics.
	Namespace = "veridata"

	// Subsystem constants for metric organization.
	SubsystemEngine      = "engine"
	SubsystemNormalize   = "normalize"
	SubsystemMaterialize = "materialize"
)

// Label constants for consistent labeling across metrics.
const (
	LabelCatalog     = "catalog"
	LabelSeverity    = "severity"
	LabelDestination = "destination"
	LabelStrategy    = "strategy"
	LabelStatus      = "status"
	LabelFormat      = "format"
)

var (
	// Engine metrics

	// EngineRowsTotal counts rows processed through rule evaluation.
	EngineRowsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: SubsystemEngine,
			Name:      "rows_total",
			Help:      "Total number of rows processed through rule evaluation",
		},
		[]string{LabelCatalog},
	)

	// EngineFindingsTotal counts findings by catalog and severity.
	EngineFindingsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: SubsystemEngine,
			Name:      "findings_total",
			Help:      "Total number of validation findings",
		},
		[]string{LabelCatalog, LabelSeverity},
	)

	// EngineExecutionsTotal counts executions by final status.
	EngineExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: SubsystemEngine,
			Name:      "executions_total",
			Help:      "Total number of executions by final status",
		},
		[]string{LabelStatus},
	)

	// EngineExecutionDuration tracks end-to-end execution duration.
	EngineExecutionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: SubsystemEngine,
			Name:      "execution_duration_seconds",
			Help:      "End-to-end execution duration in seconds",
			Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
	)

	// Normalizer metrics

	// NormalizeFilesTotal counts normalized files by format.
	NormalizeFilesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: SubsystemNormalize,
			Name:      "files_total",
			Help:      "Total number of input files normalized",
		},
		[]string{LabelFormat},
	)

	// Materialization metrics

	// MaterializeBatchesTotal counts materialization batches by
	// destination kind, strategy and outcome.
	MaterializeBatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: SubsystemMaterialize,
			Name:      "batches_total",
			Help:      "Total number of materialization batches",
		},
		[]string{LabelDestination, LabelStrategy, LabelStatus},
	)

	// MaterializeRetriesTotal counts destination retry attempts.
	MaterializeRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: SubsystemMaterialize,
			Name:      "retries_total",
			Help:      "Total number of destination retry attempts",
		},
		[]string{LabelDestination},
	)

	// MaterializeRowsTotal counts rows written to destinations.
	MaterializeRowsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: SubsystemMaterialize,
			Name:      "rows_total",
			Help:      "Total number of rows written to destinations",
		},
		[]string{LabelDestination, LabelStrategy},
	)
)

// Register registers all Veridata metrics with the given registry, along
// with the standard Go and process collectors. Safe to call more than
// once; registration happens only on the first call.
func Register(registry prometheus.Registerer) {
	registerOnce.Do(func() {
		registry.MustRegister(
			EngineRowsTotal,
			EngineFindingsTotal,
			EngineExecutionsTotal,
			EngineExecutionDuration,
			NormalizeFilesTotal,
			MaterializeBatchesTotal,
			MaterializeRetriesTotal,
			MaterializeRowsTotal,
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	})
}
