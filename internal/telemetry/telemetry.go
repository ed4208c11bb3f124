// Package telemetry initializes OpenTelemetry providers for metric and log
// export over OTLP HTTP.
//
// Enabled by setting at least one endpoint, either in the config file's
// [telemetry] section or through:
//
//	FM_OTEL_METRICS_URL
//	FM_OTEL_LOGS_URL
//
// Telemetry is best-effort: initialization errors are returned but must
// not stop the server. Init is idempotent.
package telemetry

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/log/global"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const (
	EnvMetricsURL = "FM_OTEL_METRICS_URL"
	EnvLogsURL    = "FM_OTEL_LOGS_URL"

	// DefaultMetricsURL is VictoriaMetrics' OTLP push endpoint.
	DefaultMetricsURL = "http://localhost:8428/opentelemetry/api/v1/push"

	// DefaultLogsURL is VictoriaLogs' OTLP insert endpoint.
	DefaultLogsURL = "http://localhost:9428/insert/opentelemetry/v1/logs"

	// ExportInterval is how often metrics are pushed.
	ExportInterval = 30 * time.Second
)

var (
	initMu         sync.Mutex
	initDone       bool
	globalProvider *Provider
)

// Options select the service identity and endpoints. Empty URLs fall back
// to the environment.
type Options struct {
	ServiceName    string
	ServiceVersion string
	MetricsURL     string
	LogsURL        string
}

// Provider wraps the SDK providers and their shutdown functions.
type Provider struct {
	MetricsURL string
	LogsURL    string

	shutdowns    []func(context.Context) error
	shutdownMu   sync.Mutex
	shutdownDone bool
}

// Shutdown flushes pending data and stops the providers. Safe on a nil
// Provider and safe to call more than once.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	p.shutdownMu.Lock()
	defer p.shutdownMu.Unlock()
	if p.shutdownDone {
		return nil
	}
	p.shutdownDone = true

	var errs []error
	for _, fn := range p.shutdowns {
		if err := fn(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("telemetry shutdown errors: %v", errs)
	}
	return nil
}

// Init initializes the metric and log providers. The first call wins.
//
// Returns (nil, nil) when no endpoint is configured, so telemetry stays
// strictly opt-in. When one endpoint is set the other uses its default.
func Init(ctx context.Context, opts Options) (*Provider, error) {
	initMu.Lock()
	defer initMu.Unlock()
	if initDone {
		return globalProvider, nil
	}

	metricsURL := firstNonEmpty(opts.MetricsURL, os.Getenv(EnvMetricsURL))
	logsURL := firstNonEmpty(opts.LogsURL, os.Getenv(EnvLogsURL))
	if metricsURL == "" && logsURL == "" {
		initDone = true
		globalProvider = nil
		return nil, nil
	}
	metricsURL = firstNonEmpty(metricsURL, DefaultMetricsURL)
	logsURL = firstNonEmpty(logsURL, DefaultLogsURL)

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(firstNonEmpty(opts.ServiceName, "foreman")),
			semconv.ServiceVersion(opts.ServiceVersion),
		),
		resource.WithHost(),
		resource.WithOS(),
	)
	if err != nil {
		return nil, fmt.Errorf("creating OTel resource: %w", err)
	}

	p := &Provider{MetricsURL: metricsURL, LogsURL: logsURL}

	metricExp, err := otlpmetrichttp.New(ctx, otlpmetrichttp.WithEndpointURL(metricsURL))
	if err != nil {
		return nil, fmt.Errorf("creating OTLP metric exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(metricExp, sdkmetric.WithInterval(ExportInterval)),
		),
	)
	otel.SetMeterProvider(mp)
	p.shutdowns = append(p.shutdowns, mp.Shutdown)
	initInstruments()

	logExp, err := otlploghttp.New(ctx, otlploghttp.WithEndpointURL(logsURL))
	if err != nil {
		return nil, fmt.Errorf("creating OTLP log exporter: %w", err)
	}
	lp := sdklog.NewLoggerProvider(
		sdklog.WithResource(res),
		sdklog.WithProcessor(sdklog.NewBatchProcessor(logExp)),
	)
	global.SetLoggerProvider(lp)
	p.shutdowns = append(p.shutdowns, lp.Shutdown)

	initDone = true
	globalProvider = p
	return p, nil
}

// Active returns the provider created by Init, or nil.
func Active() *Provider {
	initMu.Lock()
	defer initMu.Unlock()
	return globalProvider
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
