// Package metrics records pipeline counters and timings in a private
// Prometheus registry and exports them for the node_exporter textfile collector.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Row outcomes recorded by RecordRows.
const (
	OutcomeIn      = "in"
	OutcomeOut     = "out"
	OutcomeDropped = "dropped"
)

// Metrics holds the pipeline collectors. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	registry *prometheus.Registry

	RowsTotal            *prometheus.CounterVec
	DimensionRowsTotal   *prometheus.CounterVec
	FactsCreatedTotal    prometheus.Counter
	StageDuration        *prometheus.HistogramVec
	LastSuccessTimestamp *prometheus.GaugeVec
}

// New creates the collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		RowsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "actionlog_rows_total",
				Help: "Rows seen per stage by outcome (in, out, dropped)",
			},
			[]string{"stage", "outcome"},
		),

		DimensionRowsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "actionlog_dimension_rows_created_total",
				Help: "Dimension rows created by the load stage",
			},
			[]string{"table"},
		),

		FactsCreatedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "actionlog_facts_created_total",
				Help: "Fact rows created by the load stage",
			},
		),

		StageDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "actionlog_stage_duration_seconds",
				Help:    "Duration of pipeline stages in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"stage"},
		),

		LastSuccessTimestamp: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "actionlog_last_success_timestamp_seconds",
				Help: "Unix time of the last successful run of each stage",
			},
			[]string{"stage"},
		),
	}
}

// Registry returns the registry holding the collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// RecordRows adds n rows to the stage/outcome counter.
func (m *Metrics) RecordRows(stage, outcome string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.RowsTotal.WithLabelValues(stage, outcome).Add(float64(n))
}

// RecordDimensionRows adds n created rows for the dimension table.
func (m *Metrics) RecordDimensionRows(table string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.DimensionRowsTotal.WithLabelValues(table).Add(float64(n))
}

// RecordFacts adds n created fact rows.
func (m *Metrics) RecordFacts(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.FactsCreatedTotal.Add(float64(n))
}

// ObserveStage records the duration of a stage run, and on success the
// completion time.
func (m *Metrics) ObserveStage(stage string, started time.Time, err error) {
	if m == nil {
		return
	}
	finished := time.Now()
	m.StageDuration.WithLabelValues(stage).Observe(finished.Sub(started).Seconds())
	if err == nil {
		m.LastSuccessTimestamp.WithLabelValues(stage).Set(float64(finished.Unix()))
	}
}

// WriteTextfile writes all collected metrics to path in the Prometheus text
// format. An empty path is a no-op.
func (m *Metrics) WriteTextfile(path string) error {
	if m == nil || path == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}
