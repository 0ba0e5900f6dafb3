// Package metrics exposes the resolver's counters and histograms via
// OpenTelemetry, scraped through a Prometheus exporter.
package metrics

import (
	"context"
	"fmt"
	"net/http"

	promclient "github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

func New() (m Metrics, err error) {
	exporter, err := prometheus.New()
	if err != nil {
		return Metrics{}, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	meter := provider.Meter("github.com/a-h/pypiresolve")

	if m.CacheLookupsTotal, err = meter.Int64Counter("cache_lookups_total", metric.WithDescription("Total number of persistent cache lookups, by kind and outcome")); err != nil {
		return Metrics{}, fmt.Errorf("failed to create cache_lookups_total counter: %w", err)
	}
	if m.ArtifactBytesDownloaded, err = meter.Int64Counter("artifact_bytes_downloaded_total", metric.WithDescription("Total bytes fetched from the artifact store")); err != nil {
		return Metrics{}, fmt.Errorf("failed to create artifact_bytes_downloaded_total counter: %w", err)
	}
	if m.ResolveIterations, err = meter.Int64Histogram("resolve_iterations", metric.WithDescription("Fixed-point iterations taken to converge a resolve")); err != nil {
		return Metrics{}, fmt.Errorf("failed to create resolve_iterations histogram: %w", err)
	}
	if m.ResolveConflictsTotal, err = meter.Int64Counter("resolve_conflicts_total", metric.WithDescription("Total number of ConflictError occurrences during normalize")); err != nil {
		return Metrics{}, fmt.Errorf("failed to create resolve_conflicts_total counter: %w", err)
	}
	if m.IntrospectionFailuresTotal, err = meter.Int64Counter("introspection_failures_total", metric.WithDescription("Total number of swallowed setup-script introspection failures")); err != nil {
		return Metrics{}, fmt.Errorf("failed to create introspection_failures_total counter: %w", err)
	}

	return m, nil
}

type Metrics struct {
	CacheLookupsTotal          metric.Int64Counter
	ArtifactBytesDownloaded    metric.Int64Counter
	ResolveIterations          metric.Int64Histogram
	ResolveConflictsTotal      metric.Int64Counter
	IntrospectionFailuresTotal metric.Int64Counter
}

func ListenAndServe(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promclient.Handler())
	return http.ListenAndServe(addr, mux)
}

// IncrementCacheLookup records a cache lookup for one of the persistent
// cache kinds ("link", "dep", "pkginfo", "version") with outcome "hit" or
// "miss".
func (m Metrics) IncrementCacheLookup(ctx context.Context, kind, outcome string) {
	if m.CacheLookupsTotal == nil {
		return
	}
	m.CacheLookupsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("outcome", outcome),
	))
}

func (m Metrics) IncrementArtifactBytes(ctx context.Context, n int64) {
	if m.ArtifactBytesDownloaded == nil {
		return
	}
	m.ArtifactBytesDownloaded.Add(ctx, n)
}

func (m Metrics) RecordResolveIterations(ctx context.Context, n int64) {
	if m.ResolveIterations == nil {
		return
	}
	m.ResolveIterations.Record(ctx, n)
}

func (m Metrics) IncrementResolveConflicts(ctx context.Context) {
	if m.ResolveConflictsTotal == nil {
		return
	}
	m.ResolveConflictsTotal.Add(ctx, 1)
}

func (m Metrics) IncrementIntrospectionFailures(ctx context.Context) {
	if m.IntrospectionFailuresTotal == nil {
		return
	}
	m.IntrospectionFailuresTotal.Add(ctx, 1)
}
