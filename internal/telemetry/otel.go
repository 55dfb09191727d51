// Package telemetry bootstraps the OpenTelemetry pipeline for the harness.
//
// Export is opt-in: with MAILPROBE_OTLP_ENDPOINT set, traces, metrics and
// logs ship over OTLP; otherwise log records go to a local stdout exporter
// when MAILPROBE_TELEMETRY=stdout, and nothing is exported at all when the
// variable is unset.
package telemetry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutlog"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/propagation"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"google.golang.org/grpc/encoding/gzip"
)

const (
	serviceName = "mailprobe"

	envOTLPEndpoint = "MAILPROBE_OTLP_ENDPOINT"
	envTelemetry    = "MAILPROBE_TELEMETRY"
)

// Setup bootstraps the OpenTelemetry pipeline. If it does not return an
// error, call shutdown for proper cleanup.
func Setup(ctx context.Context, stdout io.Writer) (shutdown func(context.Context) error, err error) {
	var shutdownFuncs []func(context.Context) error

	// shutdown calls cleanup functions registered via shutdownFuncs. The
	// errors from the calls are joined. Each registered cleanup is invoked
	// once.
	shutdown = func(ctx context.Context) error {
		var err error
		for _, fn := range shutdownFuncs {
			err = errors.Join(err, fn(ctx))
		}
		shutdownFuncs = nil
		return err
	}

	handleErr := func(inErr error) {
		err = errors.Join(inErr, shutdown(ctx))
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
		resource.WithAttributes(
			attribute.String("service.name", serviceName),
		))
	if err != nil {
		handleErr(err)
		return
	}

	endpoint := os.Getenv(envOTLPEndpoint)
	if endpoint != "" {
		tracerProvider, err := newTraceProvider(ctx, res, endpoint)
		if err != nil {
			handleErr(err)
			return shutdown, err
		}
		shutdownFuncs = append(shutdownFuncs, tracerProvider.Shutdown)
		otel.SetTracerProvider(tracerProvider)

		meterProvider, err := newMeterProvider(ctx, endpoint)
		if err != nil {
			handleErr(err)
			return shutdown, err
		}
		shutdownFuncs = append(shutdownFuncs, meterProvider.Shutdown)
		otel.SetMeterProvider(meterProvider)
	}

	loggerProvider, err := newLoggerProvider(ctx, endpoint, stdout)
	if err != nil {
		handleErr(err)
		return shutdown, err
	}
	if loggerProvider != nil {
		shutdownFuncs = append(shutdownFuncs, loggerProvider.Shutdown)
		global.SetLoggerProvider(loggerProvider)
	}

	return shutdown, nil
}

// Logger returns the slog logger the harness should use: bridged into the
// OTel pipeline when one is configured, a plain JSON handler on stderr
// otherwise.
func Logger() *slog.Logger {
	if os.Getenv(envOTLPEndpoint) != "" || os.Getenv(envTelemetry) == "stdout" {
		return otelslog.NewLogger(serviceName)
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, nil))
}

func newTraceProvider(ctx context.Context, res *resource.Resource, endpoint string) (*sdktrace.TracerProvider, error) {
	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(endpoint),
		otlptracehttp.WithCompression(otlptracehttp.GzipCompression),
	)
	if err != nil {
		return nil, err
	}

	return sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter,
			sdktrace.WithBatchTimeout(time.Second)),
	), nil
}

func newMeterProvider(ctx context.Context, endpoint string) (*sdkmetric.MeterProvider, error) {
	exporter, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithEndpoint(endpoint),
		otlpmetricgrpc.WithCompressor(gzip.Name),
	)
	if err != nil {
		return nil, err
	}

	return sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(
			exporter,
			sdkmetric.WithInterval(15*time.Second),
		)),
	), nil
}

func newLoggerProvider(ctx context.Context, endpoint string, stdout io.Writer) (*sdklog.LoggerProvider, error) {
	if endpoint != "" {
		exporter, err := otlploghttp.New(ctx,
			otlploghttp.WithEndpoint(endpoint),
			otlploghttp.WithCompression(otlploghttp.GzipCompression),
		)
		if err != nil {
			return nil, err
		}
		return sdklog.NewLoggerProvider(
			sdklog.WithProcessor(sdklog.NewBatchProcessor(exporter)),
		), nil
	}

	if os.Getenv(envTelemetry) != "stdout" {
		return nil, nil
	}
	exporter, err := stdoutlog.New(stdoutlog.WithWriter(stdout))
	if err != nil {
		return nil, err
	}
	return sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewSimpleProcessor(exporter)),
	), nil
}
