package telemetry

import (
	"context"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ZunoKit/zuno-marketplace-indexer-sub000/pkg/models"
)

const tracerName = "github.com/ZunoKit/zuno-marketplace-indexer-sub000"

// InitTracer 配置全局 TracerProvider，endpoint 为空时使用 no-op
func InitTracer(ctx context.Context, serviceName, endpoint string) (func(context.Context) error, error) {
	otel.SetTextMapPropagator(propagation.TraceContext{})
	noopShutdown := func(context.Context) error { return nil }
	if strings.TrimSpace(endpoint) == "" {
		otel.SetTracerProvider(noop.NewTracerProvider())
		return noopShutdown, nil
	}

	opts := []otlptracehttp.Option{
		otlptracehttp.WithTimeout(5 * time.Second),
	}
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		opts = append(opts, otlptracehttp.WithEndpointURL(endpoint))
	} else {
		opts = append(opts, otlptracehttp.WithEndpoint(endpoint), otlptracehttp.WithInsecure())
	}

	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		otel.SetTracerProvider(noop.NewTracerProvider())
		return noopShutdown, err
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName(serviceName)),
	)
	if err != nil {
		otel.SetTracerProvider(noop.NewTracerProvider())
		return noopShutdown, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

// Tracer 全局 tracer
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// EventAttributes 事件的 span 属性
func EventAttributes(ev *models.DecodedEvent) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("event.name", ev.EventName),
		attribute.String("event.contract", ev.ContractAddress),
		attribute.Int64("chain.id", int64(ev.ChainID)),
		attribute.Int64("block.number", int64(ev.BlockNumber)),
		attribute.String("tx.hash", ev.TransactionHash),
		attribute.Int64("log.index", int64(ev.LogIndex)),
	}
}
