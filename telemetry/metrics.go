package telemetry

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
)

const (
	meterName = "github.com/Hamidon94/ultra.dogwalking-sub001"
)

// MetricsConfig configures the metrics system.
type MetricsConfig struct {
	// ServiceName is the name of the service for resource attributes.
	ServiceName string

	// ServiceVersion is the version of the service.
	ServiceVersion string

	// OTLPEndpoint is the OTLP gRPC endpoint (e.g., "localhost:4317").
	// If empty, OTLP export is disabled.
	OTLPEndpoint string

	// EnablePrometheus enables the Prometheus /metrics endpoint.
	EnablePrometheus bool

	// FlushInterval is how often to export metrics (default: 10s).
	FlushInterval time.Duration
}

// Metrics holds the OpenTelemetry metric instruments.
type Metrics struct {
	requestsTotal           metric.Int64Counter
	responseBytesTotal      metric.Int64Counter
	requestDuration         metric.Float64Histogram
	requestsByEndpointTotal metric.Int64Counter

	upstreamFetchDuration   metric.Float64Histogram
	upstreamFetchTotal      metric.Int64Counter
	upstreamFetchBytesTotal metric.Int64Counter

	backendRequestDuration metric.Float64Histogram
	backendRequestsTotal   metric.Int64Counter
	backendBytesTotal      metric.Int64Counter

	// Cache metrics
	cacheOpsTotal      metric.Int64Counter
	cacheEntries       metric.Int64Gauge
	sweepDuration      metric.Float64Histogram
	sweepRemovedTotal  metric.Int64Counter
	persistTotal       metric.Int64Counter
	snapshotSize       metric.Float64Histogram
	hydratedTotal      metric.Int64Counter
	queryFetchTotal    metric.Int64Counter
	queryFetchDuration metric.Float64Histogram
	imageLoadsTotal    metric.Int64Counter

	meterProvider *sdkmetric.MeterProvider
	promHandler   http.Handler
}

var (
	globalMetrics *Metrics
	initOnce      sync.Once
	initErr       error
)

// InitMetrics initializes the OpenTelemetry metrics system.
// Returns a shutdown function that should be called on application exit.
// Uses sync.Once to ensure single initialisation.
func InitMetrics(ctx context.Context, cfg MetricsConfig) (shutdown func(context.Context) error, err error) {
	initOnce.Do(func() {
		initErr = doInitMetrics(ctx, cfg)
	})

	if initErr != nil {
		return nil, initErr
	}

	return shutdownMetrics, nil
}

func doInitMetrics(ctx context.Context, cfg MetricsConfig) error {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "pawcache"
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return err
	}

	var readers []sdkmetric.Reader
	var promHandler http.Handler

	if cfg.OTLPEndpoint != "" {
		otlpExporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(), // Use WithTLSCredentials for production
		)
		if err != nil {
			return err
		}
		readers = append(readers, sdkmetric.NewPeriodicReader(otlpExporter,
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	if cfg.EnablePrometheus {
		promExp, err := promexporter.New()
		if err != nil {
			return err
		}
		readers = append(readers, promExp)
		promHandler = promhttp.Handler()
	}

	// If no exporters configured, use a no-op periodic reader to still collect metrics
	if len(readers) == 0 {
		readers = append(readers, sdkmetric.NewPeriodicReader(noopExporter{},
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range readers {
		opts = append(opts, sdkmetric.WithReader(r))
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)

	m, err := newMetrics(mp.Meter(meterName))
	if err != nil {
		return err
	}
	m.meterProvider = mp
	m.promHandler = promHandler
	globalMetrics = m

	return nil
}

// newMetrics creates every instrument on the given meter.
func newMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	latencyBuckets := metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10)

	if m.requestsTotal, err = meter.Int64Counter(
		"pawcache_http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}

	if m.responseBytesTotal, err = meter.Int64Counter(
		"pawcache_http_response_bytes_total",
		metric.WithDescription("Total bytes sent in HTTP responses"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	if m.requestDuration, err = meter.Float64Histogram(
		"pawcache_http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
		latencyBuckets,
	); err != nil {
		return nil, err
	}

	if m.requestsByEndpointTotal, err = meter.Int64Counter(
		"pawcache_http_requests_by_endpoint_total",
		metric.WithDescription("Total number of HTTP requests by endpoint (detail metric)"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}

	if m.upstreamFetchDuration, err = meter.Float64Histogram(
		"pawcache_upstream_fetch_duration_seconds",
		metric.WithDescription("Duration of upstream fetch requests"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 40, 60),
	); err != nil {
		return nil, err
	}

	if m.upstreamFetchTotal, err = meter.Int64Counter(
		"pawcache_upstream_fetch_total",
		metric.WithDescription("Total number of upstream fetch requests"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}

	if m.upstreamFetchBytesTotal, err = meter.Int64Counter(
		"pawcache_upstream_fetch_bytes_total",
		metric.WithDescription("Total bytes fetched from upstream"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	if m.backendRequestDuration, err = meter.Float64Histogram(
		"pawcache_backend_request_duration_seconds",
		metric.WithDescription("Duration of snapshot storage operations"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5),
	); err != nil {
		return nil, err
	}

	if m.backendRequestsTotal, err = meter.Int64Counter(
		"pawcache_backend_requests_total",
		metric.WithDescription("Total number of snapshot storage operations"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}

	if m.backendBytesTotal, err = meter.Int64Counter(
		"pawcache_backend_bytes_total",
		metric.WithDescription("Total bytes transferred in snapshot storage operations"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	if m.cacheOpsTotal, err = meter.Int64Counter(
		"pawcache_cache_operations_total",
		metric.WithDescription("Cache operations by cache, operation and result"),
		metric.WithUnit("{operation}"),
	); err != nil {
		return nil, err
	}

	if m.cacheEntries, err = meter.Int64Gauge(
		"pawcache_cache_entries",
		metric.WithDescription("Resident entries per cache after the last sweep"),
		metric.WithUnit("{entry}"),
	); err != nil {
		return nil, err
	}

	if m.sweepDuration, err = meter.Float64Histogram(
		"pawcache_sweep_duration_seconds",
		metric.WithDescription("Duration of cache sweeps"),
		metric.WithUnit("s"),
		latencyBuckets,
	); err != nil {
		return nil, err
	}

	if m.sweepRemovedTotal, err = meter.Int64Counter(
		"pawcache_sweep_removed_total",
		metric.WithDescription("Entries removed by sweeps, by reason (expired, evicted)"),
		metric.WithUnit("{entry}"),
	); err != nil {
		return nil, err
	}

	if m.persistTotal, err = meter.Int64Counter(
		"pawcache_persist_total",
		metric.WithDescription("Snapshot writes by outcome"),
		metric.WithUnit("{write}"),
	); err != nil {
		return nil, err
	}

	if m.snapshotSize, err = meter.Float64Histogram(
		"pawcache_snapshot_size_bytes",
		metric.WithDescription("Encoded snapshot size"),
		metric.WithUnit("By"),
		metric.WithExplicitBucketBoundaries(128, 512, 1024, 4096, 16384, 65536, 262144, 1048576, 4194304, 16777216),
	); err != nil {
		return nil, err
	}

	if m.hydratedTotal, err = meter.Int64Counter(
		"pawcache_hydrated_entries_total",
		metric.WithDescription("Entries restored from snapshots at startup, by result (loaded, expired)"),
		metric.WithUnit("{entry}"),
	); err != nil {
		return nil, err
	}

	if m.queryFetchTotal, err = meter.Int64Counter(
		"pawcache_query_fetch_total",
		metric.WithDescription("Query fetches by outcome"),
		metric.WithUnit("{fetch}"),
	); err != nil {
		return nil, err
	}

	if m.queryFetchDuration, err = meter.Float64Histogram(
		"pawcache_query_fetch_duration_seconds",
		metric.WithDescription("Duration of query fetches"),
		metric.WithUnit("s"),
		latencyBuckets,
	); err != nil {
		return nil, err
	}

	if m.imageLoadsTotal, err = meter.Int64Counter(
		"pawcache_image_loads_total",
		metric.WithDescription("Image loads by result (hit, inline, fallback, error)"),
		metric.WithUnit("{load}"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

// shutdownMetrics shuts down the metrics provider and clears the global state.
func shutdownMetrics(ctx context.Context) error {
	if globalMetrics == nil {
		return nil
	}
	err := globalMetrics.meterProvider.Shutdown(ctx)
	globalMetrics = nil
	return err
}

// RecordHTTP records HTTP request metrics.
// Call this from the logging middleware after the request completes.
// Route and cache result are read from request tags set by middleware and handlers.
func RecordHTTP(ctx context.Context, r *http.Request, status int, bytesSent int64, duration time.Duration) {
	if globalMetrics == nil {
		return
	}

	tags := GetTags(r)

	route := "unknown"
	cacheResult := string(CacheBypass)
	endpoint := ""
	if tags != nil {
		if tags.Route != "" {
			route = tags.Route
		}
		if tags.CacheResult != "" {
			cacheResult = string(tags.CacheResult)
		}
		endpoint = tags.Endpoint
	}

	statusClass := StatusClass(status)

	// Shared metrics: low cardinality {route, status_class, cache_result}
	sharedAttrs := []attribute.KeyValue{
		attribute.String("route", route),
		attribute.String("status_class", statusClass),
		attribute.String("cache_result", cacheResult),
	}
	globalMetrics.requestsTotal.Add(ctx, 1, metric.WithAttributes(sharedAttrs...))
	globalMetrics.responseBytesTotal.Add(ctx, bytesSent, metric.WithAttributes(sharedAttrs...))
	globalMetrics.requestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(sharedAttrs...))

	// Detail metric: higher cardinality, only when endpoint is set
	if endpoint != "" {
		detailAttrs := []attribute.KeyValue{
			attribute.String("route", route),
			attribute.String("endpoint", endpoint),
			attribute.String("status_class", statusClass),
			attribute.String("cache_result", cacheResult),
		}
		globalMetrics.requestsByEndpointTotal.Add(ctx, 1, metric.WithAttributes(detailAttrs...))
	}
}

// RecordBackendOp records snapshot storage operation metrics.
func RecordBackendOp(ctx context.Context, backend, op, outcome string, duration time.Duration, bytes int64) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("backend", backend),
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	}
	globalMetrics.backendRequestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	globalMetrics.backendRequestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	if bytes > 0 {
		globalMetrics.backendBytesTotal.Add(ctx, bytes, metric.WithAttributes(attrs...))
	}
}

// RecordUpstreamFetch records an upstream fetch request.
func RecordUpstreamFetch(ctx context.Context, source string, duration time.Duration, bytesRead int64, outcome string) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("source", source),
		attribute.String("outcome", outcome),
	}
	globalMetrics.upstreamFetchDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	globalMetrics.upstreamFetchTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	if bytesRead > 0 {
		globalMetrics.upstreamFetchBytesTotal.Add(ctx, bytesRead, metric.WithAttributes(attrs...))
	}
}

// RecordCacheOp records one cache operation. op is "get", "set", "delete" or
// "clear"; result is "hit", "miss", "expired" or "ok".
func RecordCacheOp(ctx context.Context, cache, op, result string) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("cache", cache),
		attribute.String("op", op),
		attribute.String("result", result),
	)
	globalMetrics.cacheOpsTotal.Add(ctx, 1, attrs)
}

// RecordSweep records one sweep's removals, duration and resulting size.
func RecordSweep(ctx context.Context, cache string, expired, evicted, remaining int, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	cacheAttr := attribute.String("cache", cache)
	globalMetrics.sweepDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(cacheAttr))
	globalMetrics.sweepRemovedTotal.Add(ctx, int64(expired), metric.WithAttributes(cacheAttr, attribute.String("reason", "expired")))
	globalMetrics.sweepRemovedTotal.Add(ctx, int64(evicted), metric.WithAttributes(cacheAttr, attribute.String("reason", "evicted")))
	globalMetrics.cacheEntries.Record(ctx, int64(remaining), metric.WithAttributes(cacheAttr))
}

// RecordPersist records a snapshot write. size is the encoded size, 0 when
// encoding failed.
func RecordPersist(ctx context.Context, cache, outcome string, size int) {
	if globalMetrics == nil {
		return
	}
	cacheAttr := attribute.String("cache", cache)
	globalMetrics.persistTotal.Add(ctx, 1, metric.WithAttributes(cacheAttr, attribute.String("outcome", outcome)))
	if size > 0 {
		globalMetrics.snapshotSize.Record(ctx, float64(size), metric.WithAttributes(cacheAttr))
	}
}

// RecordHydration records how many entries a cache restored and dropped at startup.
func RecordHydration(ctx context.Context, cache string, loaded, expired int) {
	if globalMetrics == nil {
		return
	}
	cacheAttr := attribute.String("cache", cache)
	globalMetrics.hydratedTotal.Add(ctx, int64(loaded), metric.WithAttributes(cacheAttr, attribute.String("result", "loaded")))
	globalMetrics.hydratedTotal.Add(ctx, int64(expired), metric.WithAttributes(cacheAttr, attribute.String("result", "expired")))
}

// RecordQueryFetch records a query fetch. shared is true when the result came
// from another caller's in-flight fetch.
func RecordQueryFetch(ctx context.Context, query, outcome string, shared bool, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("query", query),
		attribute.String("outcome", outcome),
		attribute.String("shared", strconv.FormatBool(shared)),
	)
	globalMetrics.queryFetchTotal.Add(ctx, 1, attrs)
	globalMetrics.queryFetchDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordImageLoad records an image load by result.
func RecordImageLoad(ctx context.Context, result string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.imageLoadsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// PrometheusHandler returns the Prometheus metrics HTTP handler.
// Returns a handler that returns 404 if Prometheus export is not enabled,
// allowing safe registration regardless of initialization order.
func PrometheusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if globalMetrics == nil || globalMetrics.promHandler == nil {
			http.NotFound(w, r)
			return
		}
		globalMetrics.promHandler.ServeHTTP(w, r)
	})
}

// StatusClass returns the HTTP status class (2xx, 3xx, 4xx, 5xx).
func StatusClass(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "2xx"
	case status >= 300 && status < 400:
		return "3xx"
	case status >= 400 && status < 500:
		return "4xx"
	case status >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}

// noopExporter is a no-op metrics exporter for when no exporters are configured.
type noopExporter struct{}

func (noopExporter) Temporality(_ sdkmetric.InstrumentKind) metricdata.Temporality {
	return metricdata.CumulativeTemporality
}

func (noopExporter) Aggregation(_ sdkmetric.InstrumentKind) sdkmetric.Aggregation {
	return nil
}

func (noopExporter) Export(_ context.Context, _ *metricdata.ResourceMetrics) error {
	return nil
}

func (noopExporter) ForceFlush(_ context.Context) error {
	return nil
}

func (noopExporter) Shutdown(_ context.Context) error {
	return nil
}
