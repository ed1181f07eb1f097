// Package observability exposes Prometheus metrics for the migration engine.
// All counters live on a dedicated registry so tests can create isolated
// instances.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all engine counters.
type Metrics struct {
	registry *prometheus.Registry

	FetchTotal      *prometheus.CounterVec // result: success|blocked|too_large|not_image|error
	UploadTotal     *prometheus.CounterVec // result: success|rejected|failed
	UploadRetries   prometheus.Counter
	RecordsTotal    *prometheus.CounterVec // result: success|partial
	ReferencesTotal *prometheus.CounterVec // outcome: cached|passthrough|excluded|migrated|failed
	TicksTotal      *prometheus.CounterVec // batch: content|media
	LockContention  prometheus.Counter
}

// NewMetrics creates and registers all engine metrics on a fresh registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		FetchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "media_migrate_fetch_total",
			Help: "Remote fetch attempts by result",
		}, []string{"result"}),
		UploadTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "media_migrate_upload_total",
			Help: "Upload attempts by result",
		}, []string{"result"}),
		UploadRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "media_migrate_upload_retries_total",
			Help: "Upload retry attempts for transient failures",
		}),
		RecordsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "media_migrate_records_total",
			Help: "Records processed by result",
		}, []string{"result"}),
		ReferencesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "media_migrate_references_total",
			Help: "Discovered image references by outcome",
		}, []string{"outcome"}),
		TicksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "media_migrate_batch_ticks_total",
			Help: "Batch ticks executed by batch type",
		}, []string{"batch"}),
		LockContention: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "media_migrate_lock_contention_total",
			Help: "Processing lock acquisitions refused because a live lock existed",
		}),
	}

	registry.MustRegister(
		m.FetchTotal,
		m.UploadTotal,
		m.UploadRetries,
		m.RecordsTotal,
		m.ReferencesTotal,
		m.TicksTotal,
		m.LockContention,
	)

	return m
}

// Registry returns the underlying registry for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
