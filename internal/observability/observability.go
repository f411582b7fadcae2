// Package observability constructs the shared Prometheus registry and the
// OpenTelemetry tracer/meter providers used across the daemon and session
// manager. The registry is handed back to the caller to mount on whatever
// HTTP mux they run; this core exposes no listener of its own.
package observability

import (
	"context"
	"fmt"
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Metrics holds all Prometheus instruments for the control plane. Pass to
// components that need to record metrics.
type Metrics struct {
	SessionsOpened   prometheus.Counter
	SessionsClosed   prometheus.Counter
	ActiveSessions   prometheus.Gauge
	ActionsTotal     *prometheus.CounterVec
	ActionDuration   *prometheus.HistogramVec
	PolicyDecisions  *prometheus.CounterVec
	DiffSignals      *prometheus.CounterVec
	PruneDuration    *prometheus.HistogramVec
	RunCorpusRefresh *prometheus.CounterVec
}

// NewMetrics creates and registers all instruments with the given registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		SessionsOpened: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "opta",
			Name:      "sessions_opened_total",
			Help:      "Total browser sessions opened",
		}),
		SessionsClosed: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "opta",
			Name:      "sessions_closed_total",
			Help:      "Total browser sessions closed",
		}),
		ActiveSessions: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: "opta",
			Name:      "active_sessions",
			Help:      "Number of currently managed sessions",
		}),
		ActionsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "opta",
			Name:      "actions_total",
			Help:      "Total browser actions by type and outcome",
		}, []string{"type", "outcome"}),
		ActionDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "opta",
			Name:      "action_duration_seconds",
			Help:      "Browser action duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"type"}),
		PolicyDecisions: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "opta",
			Name:      "policy_decisions_total",
			Help:      "Policy evaluations by decision",
		}, []string{"decision"}),
		DiffSignals: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "opta",
			Name:      "visual_diff_signals_total",
			Help:      "Visual-diff results by regression signal",
		}, []string{"signal"}),
		PruneDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "opta",
			Name:      "prune_duration_seconds",
			Help:      "Retention pruning duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),
		RunCorpusRefresh: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "opta",
			Name:      "run_corpus_refresh_total",
			Help:      "Run-corpus refreshes by outcome",
		}, []string{"outcome"}),
	}
}

// Providers bundles the OTel providers so the caller can shut them down.
type Providers struct {
	Tracer *sdktrace.TracerProvider
	Meter  *sdkmetric.MeterProvider
}

// Setup installs stdout-exporting OTel tracer and meter providers as the
// process globals and returns them for shutdown. w receives the exported
// spans and metrics; pass io.Discard to silence them.
func Setup(serviceName, version string, w io.Writer) (*Providers, error) {
	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceNameKey.String(serviceName),
		semconv.ServiceVersionKey.String(version),
	)

	traceExp, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		return nil, fmt.Errorf("create trace exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	metricExp, err := stdoutmetric.New(stdoutmetric.WithWriter(w))
	if err != nil {
		_ = tp.Shutdown(context.Background())
		return nil, fmt.Errorf("create metric exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	return &Providers{Tracer: tp, Meter: mp}, nil
}

// Shutdown flushes and stops both providers.
func (p *Providers) Shutdown(ctx context.Context) error {
	var firstErr error
	if p.Tracer != nil {
		if err := p.Tracer.Shutdown(ctx); err != nil {
			firstErr = err
		}
	}
	if p.Meter != nil {
		if err := p.Meter.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
