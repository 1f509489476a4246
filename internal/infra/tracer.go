package infra

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"

	"key-backup-migrator/config"
)

// ShutdownFunc は未送信のスパンを送信してトレーサーを停止する。
type ShutdownFunc func(context.Context) error

// InitTracer はOTLPエクスポーター付きのトレーサープロバイダーを設定する。
// OTEL_ENABLED=false の場合は何もしない停止関数を返す。
func InitTracer(ctx context.Context, cfg *config.Config) (ShutdownFunc, error) {
	if !cfg.OtelEnabled {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx, exporterOptions(cfg)...)
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName(cfg.OtelServiceName)),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(cfg.OtelSamplingRate)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return tp.Shutdown, nil
}

// exporterOptions はOTLPエクスポーターの接続設定を返す。
// OTEL_INSECURE=true はTLSを使わないローカルのコレクター向け。
func exporterOptions(cfg *config.Config) []otlptracegrpc.Option {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OtelEndpoint)}
	if cfg.OtelInsecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	return opts
}

// sampler はサンプリング率に応じたサンプラーを返す。1回の実行は1トレースなので親の判定に従う。
func sampler(rate float64) sdktrace.Sampler {
	switch {
	case rate >= 1:
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	case rate <= 0:
		return sdktrace.ParentBased(sdktrace.NeverSample())
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
	}
}
