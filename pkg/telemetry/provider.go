package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/killallgit/thrive/pkg/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

const defaultExportInterval = 30 * time.Second

// Provider is the SDK pipeline behind an enabled Recorder. Spans and metrics
// are exported as JSON lines to a single writer.
type Provider struct {
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	file           *os.File
}

// NewProvider builds tracer and meter providers exporting to w. Metrics are
// pushed every interval and once more on Shutdown.
func NewProvider(serviceName string, w io.Writer, interval time.Duration) (*Provider, error) {
	if serviceName == "" {
		serviceName = instrumentationName
	}
	if interval <= 0 {
		interval = defaultExportInterval
	}
	res := resource.NewSchemaless(attribute.String("service.name", serviceName))

	spanExporter, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		return nil, fmt.Errorf("create span exporter: %w", err)
	}
	metricExporter, err := stdoutmetric.New(stdoutmetric.WithWriter(w))
	if err != nil {
		return nil, fmt.Errorf("create metric exporter: %w", err)
	}

	return &Provider{
		tracerProvider: sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(spanExporter),
			sdktrace.WithResource(res),
		),
		meterProvider: sdkmetric.NewMeterProvider(
			sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter, sdkmetric.WithInterval(interval))),
			sdkmetric.WithResource(res),
		),
	}, nil
}

// Setup opens the configured output, builds the providers and installs them
// as the global ones. An empty output exports to stderr.
func Setup(settings config.TelemetryConfig) (*Provider, error) {
	var (
		w    io.Writer = os.Stderr
		file *os.File
	)
	if settings.Output != "" {
		if err := os.MkdirAll(filepath.Dir(settings.Output), 0755); err != nil {
			return nil, fmt.Errorf("create telemetry directory: %w", err)
		}
		f, err := os.OpenFile(settings.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("open telemetry output: %w", err)
		}
		w, file = f, f
	}

	p, err := NewProvider(settings.ServiceName, w, settings.ExportInterval)
	if err != nil {
		if file != nil {
			file.Close()
		}
		return nil, err
	}
	p.file = file

	otel.SetTracerProvider(p.tracerProvider)
	otel.SetMeterProvider(p.meterProvider)
	return p, nil
}

// Recorder returns a Recorder bound to this provider
func (p *Provider) Recorder() *Recorder {
	return NewWithProviders(p.tracerProvider, p.meterProvider)
}

// Shutdown flushes pending spans and metrics and closes the output
func (p *Provider) Shutdown(ctx context.Context) error {
	err := errors.Join(
		p.tracerProvider.Shutdown(ctx),
		p.meterProvider.Shutdown(ctx),
	)
	if p.file != nil {
		err = errors.Join(err, p.file.Close())
	}
	return err
}
