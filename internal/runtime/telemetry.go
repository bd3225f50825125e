package runtime

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/loqalabs/loqa-menu/internal/capture"
	"github.com/loqalabs/loqa-menu/internal/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.30.0"
)

// telemetry owns the process-wide tracer and meter providers. Metrics are
// gathered from a private registry so /metrics only shows this process.
type telemetry struct {
	tracer   *sdktrace.TracerProvider
	meter    *sdkmetric.MeterProvider
	registry *prometheus.Registry
}

func newTelemetry(cfg config.Config, logger *slog.Logger) (*telemetry, error) {
	ctx := context.Background()
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.RuntimeName),
			semconv.ServiceVersion(Version),
			attribute.String("deployment.environment", cfg.Environment),
		),
	)
	if err != nil {
		return nil, err
	}

	exporter, kind, err := newSpanExporter(ctx, cfg.Telemetry)
	if err != nil {
		return nil, err
	}
	t := &telemetry{
		tracer:   sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter), sdktrace.WithResource(res)),
		registry: prometheus.NewRegistry(),
	}
	t.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	opts := []sdkmetric.Option{sdkmetric.WithResource(res), sdkmetric.WithView(lookupLatencyView())}
	if reader, err := otelprom.New(otelprom.WithRegisterer(t.registry)); err != nil {
		logger.Warn("failed to initialize prometheus exporter", slog.String("error", err.Error()))
	} else {
		opts = append(opts, sdkmetric.WithReader(reader))
	}
	t.meter = sdkmetric.NewMeterProvider(opts...)

	otel.SetTracerProvider(t.tracer)
	otel.SetMeterProvider(t.meter)
	logger.Info("telemetry initialized", slog.String("exporter", kind))
	return t, nil
}

func newSpanExporter(ctx context.Context, cfg config.TelemetryConfig) (sdktrace.SpanExporter, string, error) {
	endpoint := strings.TrimSpace(cfg.OTLPEndpoint)
	if endpoint == "" {
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		return exp, "stdout", err
	}
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpoint)}
	if cfg.OTLPInsecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exp, err := otlptracegrpc.New(ctx, opts...)
	return exp, "otlp", err
}

// Handler serves the private registry in the Prometheus text format.
func (t *telemetry) Handler() http.Handler {
	return promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{})
}

func (t *telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(t.meter.Shutdown(ctx), t.tracer.Shutdown(ctx))
}

// registerRuntimeGauges reports live playback references and connected
// websocket clients.
func registerRuntimeGauges(meter metric.Meter, playback *capture.PlaybackStore, hub *Hub) error {
	refs, err := meter.Int64ObservableGauge("loqa_menu.playback.live_refs",
		metric.WithDescription("Playback references that still resolve"))
	if err != nil {
		return err
	}
	clients, err := meter.Int64ObservableGauge("loqa_menu.ws.clients",
		metric.WithDescription("Connected event stream clients"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		obs.ObserveInt64(refs, int64(playback.Live()))
		obs.ObserveInt64(clients, int64(hub.Clients()))
		return nil
	}, refs, clients)
	return err
}

// lookupLatencyView widens the default buckets; uploads to a cold backend
// routinely take tens of seconds.
func lookupLatencyView() sdkmetric.View {
	return sdkmetric.NewView(
		sdkmetric.Instrument{Name: "loqa_menu.lookup.duration"},
		sdkmetric.Stream{Aggregation: sdkmetric.AggregationExplicitBucketHistogram{
			Boundaries: []float64{100, 250, 500, 1000, 2500, 5000, 10000, 20000, 40000, 60000},
		}},
	)
}
