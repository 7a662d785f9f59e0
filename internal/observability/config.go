package observability

import (
	"strings"
	"time"

	"github.com/smallbiznis/tokenvault/internal/config"
	"github.com/smallbiznis/tokenvault/internal/observability/logger"
	"github.com/smallbiznis/tokenvault/internal/observability/metrics"
	"github.com/smallbiznis/tokenvault/internal/observability/tracing"
	gormlogger "gorm.io/gorm/logger"
)

const (
	defaultServiceName   = "tokenvault"
	defaultSlowQuery     = 200 * time.Millisecond
	defaultSamplingRatio = 0.1
)

// Config is the resolved telemetry setup shared by the logger, tracer, meter and GORM.
type Config struct {
	ServiceName string
	Environment string
	Version     string

	LogLevel  string
	LogFormat string

	OtelEnabled          bool
	OtelExporterEndpoint string
	OtelExporterProtocol string
	OtelSamplingRatio    float64

	SlowQueryThreshold time.Duration
	LogSQL             bool
}

func LoadConfig(cfg config.Config) Config {
	t := cfg.Telemetry

	out := Config{
		ServiceName:          orDefault(cfg.AppName, defaultServiceName),
		Environment:          strings.TrimSpace(cfg.Environment),
		Version:              strings.TrimSpace(cfg.AppVersion),
		LogLevel:             orDefault(strings.ToLower(t.LogLevel), "info"),
		LogFormat:            orDefault(strings.ToLower(t.LogFormat), "json"),
		OtelEnabled:          t.OtelEnabled,
		OtelExporterEndpoint: strings.TrimSpace(cfg.OTLPEndpoint),
		OtelExporterProtocol: orDefault(strings.ToLower(t.OtelProtocol), "grpc"),
		OtelSamplingRatio:    t.SamplingRatio,
		SlowQueryThreshold:   time.Duration(t.SlowQueryMS) * time.Millisecond,
		LogSQL:               t.LogSQL,
	}
	if out.OtelSamplingRatio <= 0 || out.OtelSamplingRatio > 1 {
		out.OtelSamplingRatio = defaultSamplingRatio
	}
	if out.SlowQueryThreshold <= 0 {
		out.SlowQueryThreshold = defaultSlowQuery
	}
	return out
}

// Debug is true for an explicit debug level or any non-production environment name.
func (c Config) Debug() bool {
	if strings.EqualFold(strings.TrimSpace(c.LogLevel), "debug") {
		return true
	}
	switch strings.ToLower(strings.TrimSpace(c.Environment)) {
	case "dev", "development", "local", "test":
		return true
	}
	return false
}

func (c Config) Logger() logger.Config {
	return logger.Config{
		ServiceName:         c.ServiceName,
		Environment:         c.Environment,
		Version:             c.Version,
		Level:               c.LogLevel,
		Format:              c.LogFormat,
		IncludeCaller:       true,
		IncludeStackOnError: c.Debug(),
	}
}

func (c Config) Tracing() tracing.Config {
	return tracing.Config{
		Enabled:          c.OtelEnabled,
		ServiceName:      c.ServiceName,
		ServiceVersion:   c.Version,
		Environment:      c.Environment,
		ExporterEndpoint: c.OtelExporterEndpoint,
		ExporterProtocol: c.OtelExporterProtocol,
		SamplingRatio:    c.OtelSamplingRatio,
	}
}

func (c Config) Metrics() metrics.Config {
	return metrics.Config{
		Enabled:          c.OtelEnabled,
		ExporterEndpoint: c.OtelExporterEndpoint,
		ExporterProtocol: c.OtelExporterProtocol,
		ServiceName:      c.ServiceName,
		Environment:      c.Environment,
	}
}

// GormLogger logs slow queries at warn; every statement is logged only with LogSQL.
func (c Config) GormLogger() logger.GormLoggerConfig {
	cfg := logger.DefaultGormLoggerConfig()
	if c.SlowQueryThreshold > 0 {
		cfg.SlowThreshold = c.SlowQueryThreshold
	}
	if c.LogSQL {
		cfg.Level = gormlogger.Info
	}
	return cfg
}

func orDefault(value, def string) string {
	if value = strings.TrimSpace(value); value != "" {
		return value
	}
	return def
}
