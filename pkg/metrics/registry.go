// Package metrics provides centralized metrics management for the
// replication agreement engine.
//
// This package implements a unified taxonomy for Prometheus metrics:
//   - Agreements: session counts, replayed/skipped changes, maxcsn update
//     rate, lifecycle start/stop timing, status transitions.
//   - Directory: collab.Directory collaborator call latency and errors.
//   - HTTP: the admin API's request count, duration, and size.
//
// All metrics follow the naming convention:
// agreement_engine_<category>_<metric_name>_<unit>
//
// Example:
//
//	registry := metrics.DefaultRegistry()
//	registry.Agreements().SessionsActive.Inc()
//	registry.Directory().TombstoneWritesTotal.Inc()
package metrics

import (
	"sync"
)

// MetricCategory represents the category of a metric.
type MetricCategory string

const (
	// CategoryAgreements represents agreement lifecycle metrics.
	CategoryAgreements MetricCategory = "agreement"

	// CategoryDirectory represents collab.Directory collaborator metrics.
	CategoryDirectory MetricCategory = "directory"

	// CategoryHTTP represents the admin API's HTTP metrics.
	CategoryHTTP MetricCategory = "http"
)

// MetricsRegistry is the central registry for all Prometheus metrics.
// Provides organized access to metrics by category (Agreements, Directory,
// HTTP).
//
// Thread-safe: all Prometheus metrics are thread-safe by design.
// Singleton: use DefaultRegistry() to get the global instance.
type MetricsRegistry struct {
	namespace string

	agreements *AgreementMetrics
	directory  *DirectoryMetrics
	http       *HTTPMetrics

	agreementsOnce sync.Once
	directoryOnce  sync.Once
	httpOnce       sync.Once
}

var (
	defaultRegistry     *MetricsRegistry
	defaultRegistryOnce sync.Once
)

// DefaultRegistry returns the global singleton MetricsRegistry. Safe for
// concurrent use; initialized once on first call.
func DefaultRegistry() *MetricsRegistry {
	defaultRegistryOnce.Do(func() {
		defaultRegistry = NewMetricsRegistry("agreement_engine")
	})
	return defaultRegistry
}

// NewMetricsRegistry creates a new MetricsRegistry with the specified
// namespace. For most use cases, use DefaultRegistry() instead.
func NewMetricsRegistry(namespace string) *MetricsRegistry {
	if namespace == "" {
		namespace = "agreement_engine"
	}
	return &MetricsRegistry{namespace: namespace}
}

// Agreements returns the agreement lifecycle metrics manager. Lazy
// initialized on first access.
func (r *MetricsRegistry) Agreements() *AgreementMetrics {
	r.agreementsOnce.Do(func() {
		r.agreements = NewAgreementMetrics(r.namespace)
	})
	return r.agreements
}

// Directory returns the collab.Directory collaborator metrics manager.
// Lazy initialized on first access.
func (r *MetricsRegistry) Directory() *DirectoryMetrics {
	r.directoryOnce.Do(func() {
		r.directory = NewDirectoryMetrics(r.namespace)
	})
	return r.directory
}

// HTTP returns the admin API's HTTP metrics manager. Lazy initialized on
// first access.
func (r *MetricsRegistry) HTTP() *HTTPMetrics {
	r.httpOnce.Do(func() {
		r.http = NewHTTPMetricsWithNamespace(r.namespace, "http")
	})
	return r.http
}

// Namespace returns the configured namespace for this registry.
func (r *MetricsRegistry) Namespace() string {
	return r.namespace
}
