// Package telemetry exports kill switch metrics and log events over OTLP HTTP.
//
// Export is opt-in. Set a metrics endpoint, a logs endpoint, or both, either
// in the [telemetry] config section or through
//
//	KILLSWITCH_OTEL_METRICS_URL
//	KILLSWITCH_OTEL_LOGS_URL
//
// A failure to start exporting never blocks a trigger or a recovery: Init
// returns the error and callers log it. The Record* helpers work before Init
// and with telemetry disabled; they fall through to the global no-op providers.
package telemetry

import (
	"context"
	"errors"
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
	EnvMetricsURL = "KILLSWITCH_OTEL_METRICS_URL"
	EnvLogsURL    = "KILLSWITCH_OTEL_LOGS_URL"

	// ExportInterval is the metric push period. Kill switch counters change
	// rarely, so a short period mostly matters for the trigger counter.
	ExportInterval = 15 * time.Second
)

// Options identifies the service and selects the export endpoints. Empty
// endpoints fall back to the environment.
type Options struct {
	ServiceName    string
	ServiceVersion string
	MetricsURL     string
	LogsURL        string
}

// endpoints returns the metrics and logs URLs after applying env fallbacks.
func (o Options) endpoints() (metrics, logs string) {
	metrics, logs = o.MetricsURL, o.LogsURL
	if metrics == "" {
		metrics = os.Getenv(EnvMetricsURL)
	}
	if logs == "" {
		logs = os.Getenv(EnvLogsURL)
	}
	return metrics, logs
}

// Init is process-wide: the first call decides, later calls get its result.
var (
	initMu         sync.Mutex
	initDone       bool
	globalProvider *Provider
)

// Provider owns the SDK providers started by Init.
type Provider struct {
	mu       sync.Mutex
	stopped  bool
	shutdown []func(context.Context) error
}

// Shutdown flushes pending metrics and log records and stops export. It is
// safe on a nil Provider and safe to call twice. Give it a deadline.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return nil
	}
	p.stopped = true

	var errs []error
	for _, fn := range p.shutdown {
		errs = append(errs, fn(ctx))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("telemetry shutdown: %w", err)
	}
	return nil
}

// Init starts OTLP export for whichever endpoints are configured and installs
// the providers globally. It returns (nil, nil) when no endpoint is set.
func Init(ctx context.Context, opts Options) (*Provider, error) {
	initMu.Lock()
	defer initMu.Unlock()
	if initDone {
		return globalProvider, nil
	}

	metricsURL, logsURL := opts.endpoints()
	if metricsURL == "" && logsURL == "" {
		initDone = true
		return nil, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(opts.ServiceName),
			semconv.ServiceVersion(opts.ServiceVersion),
		),
		resource.WithHost(),
		resource.WithProcessPID(),
	)
	if err != nil {
		return nil, fmt.Errorf("building telemetry resource: %w", err)
	}

	p := &Provider{}
	if metricsURL != "" {
		mp, err := newMeterProvider(ctx, metricsURL, res)
		if err != nil {
			return nil, err
		}
		otel.SetMeterProvider(mp)
		p.shutdown = append(p.shutdown, mp.Shutdown)
		initInstruments()
	}
	if logsURL != "" {
		lp, err := newLoggerProvider(ctx, logsURL, res)
		if err != nil {
			_ = p.Shutdown(ctx)
			return nil, err
		}
		global.SetLoggerProvider(lp)
		p.shutdown = append(p.shutdown, lp.Shutdown)
	}

	initDone = true
	globalProvider = p
	return p, nil
}

func newMeterProvider(ctx context.Context, url string, res *resource.Resource) (*sdkmetric.MeterProvider, error) {
	exp, err := otlpmetrichttp.New(ctx, otlpmetrichttp.WithEndpointURL(url))
	if err != nil {
		return nil, fmt.Errorf("metrics exporter for %s: %w", url, err)
	}
	reader := sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(ExportInterval))
	return sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithReader(reader)), nil
}

func newLoggerProvider(ctx context.Context, url string, res *resource.Resource) (*sdklog.LoggerProvider, error) {
	exp, err := otlploghttp.New(ctx, otlploghttp.WithEndpointURL(url))
	if err != nil {
		return nil, fmt.Errorf("logs exporter for %s: %w", url, err)
	}
	return sdklog.NewLoggerProvider(
		sdklog.WithResource(res),
		sdklog.WithProcessor(sdklog.NewBatchProcessor(exp)),
	), nil
}
