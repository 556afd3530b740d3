package observability

import (
	"github.com/smallbiznis/tokenledger/internal/config"
	"github.com/smallbiznis/tokenledger/internal/observability/logger"
	"github.com/smallbiznis/tokenledger/internal/observability/metrics"
	"github.com/smallbiznis/tokenledger/internal/observability/tracing"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/fx"
)

// Module provides the ledger's zap logger, tracer provider and the OTLP and
// Prometheus instruments, all derived from config.Config.
var Module = fx.Module("observability",
	fx.Provide(
		loggerConfig,
		logger.New,
		tracingConfig,
		tracing.NewProvider,
		metricsConfig,
		metrics.NewProvider,
		metrics.New,
		metrics.LedgerWithConfig,
	),
	fx.Invoke(func(*sdktrace.TracerProvider) {}),
	fx.Invoke(func(cfg metrics.Config) { metrics.SchedulerWithConfig(cfg) }),
)

func loggerConfig(cfg config.Config) logger.Config {
	return logger.Config{
		ServiceName: cfg.AppName,
		Environment: cfg.Environment,
		Version:     cfg.AppVersion,
		NodeID:      cfg.NodeID,
		Level:       cfg.Observability.LogLevel,
		Format:      cfg.Observability.LogFormat,
		Debug:       cfg.Debug(),
	}
}

func tracingConfig(cfg config.Config) tracing.Config {
	return tracing.Config{
		Enabled:          cfg.Observability.OtelEnabled,
		ServiceName:      cfg.AppName,
		ServiceVersion:   cfg.AppVersion,
		Environment:      cfg.Environment,
		ExporterEndpoint: cfg.OTLPEndpoint,
		ExporterProtocol: cfg.Observability.OtelProtocol,
		SamplingRatio:    cfg.Observability.OtelSamplingRatio,
	}
}

func metricsConfig(cfg config.Config) metrics.Config {
	return metrics.Config{
		Enabled:          cfg.Observability.OtelEnabled,
		ExporterEndpoint: cfg.OTLPEndpoint,
		ExporterProtocol: cfg.Observability.OtelProtocol,
		ServiceName:      cfg.AppName,
		Environment:      cfg.Environment,
	}
}
