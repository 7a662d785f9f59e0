package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/smallbiznis/tokenvault/internal/observability/logger"
	"github.com/smallbiznis/tokenvault/internal/observability/metrics"
	"github.com/smallbiznis/tokenvault/internal/observability/tracing"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/fx"
)

// Module wires the logger, tracer provider, meter provider and HTTP metrics from one Config.
var Module = fx.Module("observability",
	fx.Provide(
		LoadConfig,
		Config.Logger,
		Config.Tracing,
		Config.Metrics,
		logger.New,
		tracing.NewProvider,
		metrics.NewProvider,
		metrics.New,
		metrics.NewHTTPMetrics,
		func() prometheus.Registerer { return prometheus.DefaultRegisterer },
	),
	// the tracer provider installs the global propagator as a side effect
	fx.Invoke(func(*sdktrace.TracerProvider) {}),
)
