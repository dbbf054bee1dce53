// Package telemetry owns the OpenTelemetry instruments of the analysis server and the Prometheus
// exporter that publishes them.
//
// Instruments are created lazily from the global meter provider, so recording works (as a no-op)
// before Setup is called and in tests.
package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/MegaGrindStone/cppmcp"

var (
	parseDuration  metric.Float64Histogram
	parseBytes     metric.Int64Counter
	queryDuration  metric.Float64Histogram
	indexDuration  metric.Float64Histogram
	toolCalls      metric.Int64Counter
	toolDuration   metric.Float64Histogram
	activeSessions metric.Int64UpDownCounter

	metricsOnce sync.Once
	metricsErr  error
)

func initMetrics() error {
	metricsOnce.Do(func() {
		meter := otel.Meter(instrumentationName)
		var err error

		if parseDuration, err = meter.Float64Histogram("cppmcp_parse_duration_seconds",
			metric.WithDescription("Duration of document parses"),
			metric.WithUnit("s")); err != nil {
			metricsErr = err
			return
		}
		if parseBytes, err = meter.Int64Counter("cppmcp_parse_bytes_total",
			metric.WithDescription("Bytes of source handed to the parser")); err != nil {
			metricsErr = err
			return
		}
		if queryDuration, err = meter.Float64Histogram("cppmcp_query_duration_seconds",
			metric.WithDescription("Duration of structural query executions"),
			metric.WithUnit("s")); err != nil {
			metricsErr = err
			return
		}
		if indexDuration, err = meter.Float64Histogram("cppmcp_index_build_duration_seconds",
			metric.WithDescription("Duration of symbol index rebuilds"),
			metric.WithUnit("s")); err != nil {
			metricsErr = err
			return
		}
		if toolCalls, err = meter.Int64Counter("cppmcp_tool_calls_total",
			metric.WithDescription("Tool calls by tool and outcome")); err != nil {
			metricsErr = err
			return
		}
		if toolDuration, err = meter.Float64Histogram("cppmcp_tool_duration_seconds",
			metric.WithDescription("Duration of tool calls"),
			metric.WithUnit("s")); err != nil {
			metricsErr = err
			return
		}
		if activeSessions, err = meter.Int64UpDownCounter("cppmcp_sessions_active",
			metric.WithDescription("Open protocol sessions by transport")); err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

// Tracer returns the tracer used for tool call spans.
func Tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}

// RecordParse records one parse.
func RecordParse(ctx context.Context, d time.Duration, size int, incremental bool) {
	if initMetrics() != nil {
		return
	}
	attrs := metric.WithAttributes(attribute.Bool("incremental", incremental))
	parseDuration.Record(ctx, d.Seconds(), attrs)
	parseBytes.Add(ctx, int64(size), attrs)
}

// RecordQuery records one query execution.
func RecordQuery(ctx context.Context, name string, d time.Duration, captures int) {
	if initMetrics() != nil {
		return
	}
	if name == "" {
		name = "adhoc"
	}
	queryDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("query", name),
		attribute.Bool("empty", captures == 0),
	))
}

// RecordIndexBuild records one symbol index rebuild.
func RecordIndexBuild(ctx context.Context, d time.Duration, symbols int) {
	if initMetrics() != nil {
		return
	}
	indexDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.Int("symbols", symbols)))
}

// RecordToolCall records the outcome of one tool call. kind is empty on success.
func RecordToolCall(ctx context.Context, tool, kind string, d time.Duration) {
	if initMetrics() != nil {
		return
	}
	outcome := "ok"
	if kind != "" {
		outcome = kind
	}
	attrs := metric.WithAttributes(attribute.String("tool", tool), attribute.String("outcome", outcome))
	toolCalls.Add(ctx, 1, attrs)
	toolDuration.Record(ctx, d.Seconds(), attrs)
}

// SessionOpened and SessionClosed track the number of live sessions per transport.
func SessionOpened(ctx context.Context, transport string) { sessionDelta(ctx, transport, 1) }

// SessionClosed decrements the live session count of transport.
func SessionClosed(ctx context.Context, transport string) { sessionDelta(ctx, transport, -1) }

func sessionDelta(ctx context.Context, transport string, delta int64) {
	if initMetrics() != nil {
		return
	}
	activeSessions.Add(ctx, delta, metric.WithAttributes(attribute.String("transport", transport)))
}

// Provider is an installed metrics pipeline.
type Provider struct {
	mp       *sdkmetric.MeterProvider
	registry *prometheus.Registry
}

// Setup installs a meter provider exporting to a dedicated Prometheus registry and makes it the
// global provider.
func Setup() (*Provider, error) {
	registry := prometheus.NewRegistry()
	exporter, err := promexporter.New(promexporter.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(mp)
	return &Provider{mp: mp, registry: registry}, nil
}

// Handler serves the registry in the Prometheus exposition format.
func (p *Provider) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

// Shutdown flushes and stops the meter provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if err := p.mp.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown meter provider: %w", err)
	}
	return nil
}
