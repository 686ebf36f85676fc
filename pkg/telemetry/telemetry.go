// Package telemetry exposes gateway metrics through an OpenTelemetry meter
// backed by a Prometheus registry, and keeps the process-lifetime query
// counters.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"doh-gateway/pkg/config"
	"doh-gateway/pkg/logging"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const instrumentationName = "doh-gateway"

// Telemetry owns the meter and tracer providers and the /metrics listener.
type Telemetry struct {
	cfg      *config.TelemetryConfig
	meters   metric.MeterProvider
	tracers  trace.TracerProvider
	registry *prom.Registry
	listener net.Listener
	server   *http.Server
	logger   *logging.Logger
}

// Metrics are the OpenTelemetry instruments recorded by the gateway.
// Received and dropped are up/down counters because the admission pipeline
// may take back an earlier increment.
type Metrics struct {
	QueriesReceived  metric.Int64UpDownCounter
	QueriesDropped   metric.Int64UpDownCounter
	CacheHits        metric.Int64Counter
	QueriesForwarded metric.Int64Counter

	UpstreamExchanges metric.Int64Counter
	UpstreamFailures  metric.Int64Counter
	UpstreamDuration  metric.Float64Histogram
	SessionOpens      metric.Int64Counter
	FallbackQueries   metric.Int64Counter
	BlocklistSize     metric.Int64UpDownCounter
}

// New builds the providers described by cfg. With telemetry disabled every
// provider is a no-op and nothing listens.
func New(ctx context.Context, cfg *config.TelemetryConfig, logger *logging.Logger) (*Telemetry, error) {
	t := &Telemetry{
		cfg:     cfg,
		meters:  noop.NewMeterProvider(),
		tracers: tracenoop.NewTracerProvider(),
		logger:  logger.Component("telemetry"),
	}
	if !cfg.Enabled {
		t.logger.Info("Telemetry disabled")
		return t, nil
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceNameKey.String(cfg.ServiceName),
		semconv.ServiceVersionKey.String(cfg.ServiceVersion),
	))
	if err != nil {
		return nil, fmt.Errorf("telemetry resource: %w", err)
	}

	if cfg.PrometheusEnabled {
		if err := t.startPrometheus(res); err != nil {
			return nil, err
		}
	}
	if cfg.TracingEnabled {
		t.tracers = sdktrace.NewTracerProvider(sdktrace.WithResource(res))
	}

	t.logger.Info("Telemetry enabled",
		"service", cfg.ServiceName,
		"version", cfg.ServiceVersion,
		"prometheus", cfg.PrometheusEnabled,
		"tracing", cfg.TracingEnabled,
	)
	return t, nil
}

// startPrometheus registers the exporter on a private registry and binds the
// scrape listener before returning, so a busy port fails startup.
func (t *Telemetry) startPrometheus(res *resource.Resource) error {
	t.registry = prom.NewRegistry()
	exporter, err := prometheus.New(prometheus.WithRegisterer(t.registry))
	if err != nil {
		return fmt.Errorf("prometheus exporter: %w", err)
	}
	t.meters = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", t.cfg.PrometheusPort))
	if err != nil {
		return fmt.Errorf("metrics listener: %w", err)
	}
	t.listener = ln

	mux := http.NewServeMux()
	mux.Handle("/metrics", t.Handler())
	t.server = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := t.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.logger.Error("Metrics listener failed", "error", err)
		}
	}()
	t.logger.Info("Serving Prometheus metrics", "address", ln.Addr().String())
	return nil
}

// Handler serves the Prometheus exposition of the gateway's metrics. It
// reports 404 when Prometheus export is off.
func (t *Telemetry) Handler() http.Handler {
	if t.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{})
}

// MetricsAddr is the bound scrape address, or nil when nothing listens.
func (t *Telemetry) MetricsAddr() net.Addr {
	if t.listener == nil {
		return nil
	}
	return t.listener.Addr()
}

type instrument struct {
	name, desc string
	bind       func(metric.Meter, string, string) error
}

// InitMetrics creates every gateway instrument on the configured meter.
func (t *Telemetry) InitMetrics() (*Metrics, error) {
	m := &Metrics{}
	counter := func(dst *metric.Int64Counter) func(metric.Meter, string, string) error {
		return func(meter metric.Meter, name, desc string) (err error) {
			*dst, err = meter.Int64Counter(name, metric.WithDescription(desc))
			return err
		}
	}
	updown := func(dst *metric.Int64UpDownCounter) func(metric.Meter, string, string) error {
		return func(meter metric.Meter, name, desc string) (err error) {
			*dst, err = meter.Int64UpDownCounter(name, metric.WithDescription(desc))
			return err
		}
	}

	instruments := []instrument{
		{"dns.queries.received", "Queries read from the local socket", updown(&m.QueriesReceived)},
		{"dns.queries.dropped", "Queries answered with a synthetic NXDOMAIN", updown(&m.QueriesDropped)},
		{"dns.cache.hits", "Queries answered from the reply cache", counter(&m.CacheHits)},
		{"dns.queries.forwarded", "Queries relayed to a conditional forwarder", counter(&m.QueriesForwarded)},
		{"dns.queries.fallback", "Encrypted-route queries answered by a fallback server", counter(&m.FallbackQueries)},
		{"doh.exchanges", "Completed DoH exchanges", counter(&m.UpstreamExchanges)},
		{"doh.failures", "DoH exchanges that produced no answer", counter(&m.UpstreamFailures)},
		{"doh.session.opens", "Encrypted sessions established", counter(&m.SessionOpens)},
		{"blocklist.size", "Domains in the merged blocklist", updown(&m.BlocklistSize)},
		{"doh.exchange.duration", "DoH exchange duration", func(meter metric.Meter, name, desc string) (err error) {
			m.UpstreamDuration, err = meter.Float64Histogram(name, metric.WithDescription(desc), metric.WithUnit("ms"))
			return err
		}},
	}

	meter := t.meters.Meter(instrumentationName)
	for _, in := range instruments {
		if err := in.bind(meter, in.name, in.desc); err != nil {
			return nil, fmt.Errorf("instrument %s: %w", in.name, err)
		}
	}
	return m, nil
}

// Tracer returns the gateway tracer. Spans are dropped unless tracing is on.
func (t *Telemetry) Tracer() trace.Tracer {
	return t.tracers.Tracer(instrumentationName)
}

// Shutdown stops the scrape listener and flushes the providers.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error
	if t.server != nil {
		errs = append(errs, t.server.Shutdown(ctx))
	}
	if p, ok := t.meters.(*sdkmetric.MeterProvider); ok {
		errs = append(errs, p.Shutdown(ctx))
	}
	if p, ok := t.tracers.(*sdktrace.TracerProvider); ok {
		errs = append(errs, p.Shutdown(ctx))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("telemetry shutdown: %w", err)
	}
	return nil
}
