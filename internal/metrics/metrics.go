// Package metrics defines the Prometheus instruments of the event store.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every instrument. A nil *Metrics is valid and records nothing, so
// services can be built without metrics in tests.
type Metrics struct {
	EventsAppended     *prometheus.CounterVec
	AppendDuration     prometheus.Histogram
	NotifyFailures     prometheus.Counter
	JobRuns            *prometheus.CounterVec
	JobDuration        *prometheus.HistogramVec
	EventsMarked       prometheus.Counter
	BatchesArchived    prometheus.Counter
	EventsArchived     prometheus.Counter
	ArchiveBytes       prometheus.Counter
	BatchesVerified    *prometheus.CounterVec
	BatchesMarkedCold  prometheus.Counter
	RestoreTransitions *prometheus.CounterVec
	ExportRows         *prometheus.CounterVec
	ExportsFinished    *prometheus.CounterVec
}

// New registers all instruments with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		EventsAppended: f.NewCounterVec(prometheus.CounterOpts{
			Name: "strata_events_appended_total",
			Help: "Events appended to the ledger, by outcome (inserted, replayed)",
		}, []string{"region", "outcome"}),
		AppendDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "strata_append_duration_seconds",
			Help:    "Duration of ledger appends (ingestion critical path)",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}),
		NotifyFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "strata_notify_failures_total",
			Help: "Webhook triggers that could not be enqueued",
		}),
		JobRuns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "strata_job_runs_total",
			Help: "Background job runs, by job, region and result",
		}, []string{"job", "region", "result"}),
		JobDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "strata_job_duration_seconds",
			Help:    "Duration of background job runs",
			Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 15, 60, 300, 900},
		}, []string{"job"}),
		EventsMarked: f.NewCounter(prometheus.CounterOpts{
			Name: "strata_events_marked_total",
			Help: "Events flagged as archival candidates",
		}),
		BatchesArchived: f.NewCounter(prometheus.CounterOpts{
			Name: "strata_batches_archived_total",
			Help: "Archive batches uploaded and finalized",
		}),
		EventsArchived: f.NewCounter(prometheus.CounterOpts{
			Name: "strata_events_archived_total",
			Help: "Events moved from the hot store into archive batches",
		}),
		ArchiveBytes: f.NewCounter(prometheus.CounterOpts{
			Name: "strata_archive_bytes_total",
			Help: "Compressed bytes uploaded to archive storage",
		}),
		BatchesVerified: f.NewCounterVec(prometheus.CounterOpts{
			Name: "strata_batches_verified_total",
			Help: "Archive batch verifications, by result (ok, mismatch, error)",
		}, []string{"result"}),
		BatchesMarkedCold: f.NewCounter(prometheus.CounterOpts{
			Name: "strata_batches_marked_cold_total",
			Help: "Archive batches flagged cold",
		}),
		RestoreTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "strata_restore_transitions_total",
			Help: "Restore request state transitions, by target status",
		}, []string{"status"}),
		ExportRows: f.NewCounterVec(prometheus.CounterOpts{
			Name: "strata_export_rows_total",
			Help: "Rows streamed by exports, by tier",
		}, []string{"tier"}),
		ExportsFinished: f.NewCounterVec(prometheus.CounterOpts{
			Name: "strata_exports_finished_total",
			Help: "Export jobs reaching a terminal status",
		}, []string{"status"}),
	}
}

// ObserveAppend records one append. Call with time.Now() at the start.
func (m *Metrics) ObserveAppend(region string, replayed bool, start time.Time) {
	if m == nil {
		return
	}
	outcome := "inserted"
	if replayed {
		outcome = "replayed"
	}
	m.EventsAppended.WithLabelValues(region, outcome).Inc()
	m.AppendDuration.Observe(time.Since(start).Seconds())
}

// IncNotifyFailure records a failed webhook trigger.
func (m *Metrics) IncNotifyFailure() {
	if m == nil {
		return
	}
	m.NotifyFailures.Inc()
}

// ObserveJob records one job run for a region.
func (m *Metrics) ObserveJob(job, region string, err error, start time.Time) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.JobRuns.WithLabelValues(job, region, result).Inc()
	m.JobDuration.WithLabelValues(job).Observe(time.Since(start).Seconds())
}

// AddMarked records events flagged by the retention marker.
func (m *Metrics) AddMarked(n int64) {
	if m == nil {
		return
	}
	m.EventsMarked.Add(float64(n))
}

// ObserveBatch records one finalized archive batch.
func (m *Metrics) ObserveBatch(rows, bytes int64) {
	if m == nil {
		return
	}
	m.BatchesArchived.Inc()
	m.EventsArchived.Add(float64(rows))
	m.ArchiveBytes.Add(float64(bytes))
}

// IncVerified records one verification outcome.
func (m *Metrics) IncVerified(result string) {
	if m == nil {
		return
	}
	m.BatchesVerified.WithLabelValues(result).Inc()
}

// AddCold records batches flagged cold.
func (m *Metrics) AddCold(n int64) {
	if m == nil {
		return
	}
	m.BatchesMarkedCold.Add(float64(n))
}

// IncRestoreTransition records a restore request entering status.
func (m *Metrics) IncRestoreTransition(status string) {
	if m == nil {
		return
	}
	m.RestoreTransitions.WithLabelValues(status).Inc()
}

// AddExportRows records rows written from a tier.
func (m *Metrics) AddExportRows(tier string, n int64) {
	if m == nil || n == 0 {
		return
	}
	m.ExportRows.WithLabelValues(tier).Add(float64(n))
}

// IncExportFinished records an export reaching a terminal status.
func (m *Metrics) IncExportFinished(status string) {
	if m == nil {
		return
	}
	m.ExportsFinished.WithLabelValues(status).Inc()
}
