package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config configures the metrics provider.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

// Metrics exposes ledger-level instruments.
type Metrics struct {
	grantsIssued    metric.Int64Counter
	creditsGranted  metric.Int64Counter
	debits          metric.Int64Counter
	creditsDebited  metric.Int64Counter
	paymentWebhooks metric.Int64Counter
	streamSessions  metric.Int64Counter
	reconcileDrift  metric.Int64Counter
	rateLimitDenied metric.Int64Counter
}

// NewProvider configures and registers the meter provider.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, err
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				log.Info("shutting down meter provider")
				return provider.Shutdown(ctx)
			},
		})
	}

	log.Info("metrics initialized",
		zap.String("endpoint", cfg.ExporterEndpoint),
		zap.String("protocol", cfg.ExporterProtocol),
	)
	return provider, nil
}

// New configures the ledger instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "tokenvault"
	}
	meter := provider.Meter(name)

	var (
		m   Metrics
		err error
	)
	counters := []struct {
		dst  *metric.Int64Counter
		name string
	}{
		{&m.grantsIssued, "tokenvault_grants_issued_total"},
		{&m.creditsGranted, "tokenvault_credits_granted_total"},
		{&m.debits, "tokenvault_debits_total"},
		{&m.creditsDebited, "tokenvault_credits_debited_total"},
		{&m.paymentWebhooks, "tokenvault_payment_webhooks_total"},
		{&m.streamSessions, "tokenvault_stream_sessions_total"},
		{&m.reconcileDrift, "tokenvault_reconcile_drift_total"},
		{&m.rateLimitDenied, "tokenvault_rate_limit_denied_total"},
	}
	for _, c := range counters {
		*c.dst, err = meter.Int64Counter(c.name)
		if err != nil {
			return nil, fmt.Errorf("create counter %s: %w", c.name, err)
		}
	}
	return &m, nil
}

// RecordGrantIssued counts a newly minted grant and the credits it carries.
func (m *Metrics) RecordGrantIssued(ctx context.Context, provider, mode string, credits int64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(FilterAttributes(
		attribute.String("provider", strings.TrimSpace(provider)),
		attribute.String("mode", strings.TrimSpace(mode)),
	)...)
	m.grantsIssued.Add(ctx, 1, attrs)
	if credits > 0 {
		m.creditsGranted.Add(ctx, credits, attrs)
	}
}

const (
	DebitCharged = "charged"
	// GrantKindNone labels debits refused before a grant was charged.
	GrantKindNone = "none"
)

// RecordDebit counts a debit attempt by outcome.
func (m *Metrics) RecordDebit(ctx context.Context, grantKind, outcome string, amount int64) {
	if m == nil {
		return
	}
	grantKind = strings.TrimSpace(grantKind)
	if grantKind == "" {
		grantKind = GrantKindNone
	}
	attrs := metric.WithAttributes(FilterAttributes(
		attribute.String("grant_kind", grantKind),
		attribute.String("outcome", strings.TrimSpace(outcome)),
	)...)
	m.debits.Add(ctx, 1, attrs)
	if outcome == DebitCharged && amount > 0 {
		m.creditsDebited.Add(ctx, amount, attrs)
	}
}

func (m *Metrics) RecordPaymentWebhook(ctx context.Context, provider, outcome string) {
	if m == nil {
		return
	}
	m.paymentWebhooks.Add(ctx, 1, metric.WithAttributes(FilterAttributes(
		attribute.String("provider", strings.TrimSpace(provider)),
		attribute.String("outcome", strings.TrimSpace(outcome)),
	)...))
}

func (m *Metrics) RecordStreamSession(ctx context.Context, app, state string) {
	if m == nil {
		return
	}
	m.streamSessions.Add(ctx, 1, metric.WithAttributes(FilterAttributes(
		attribute.String("app", strings.TrimSpace(app)),
		attribute.String("state", strings.TrimSpace(state)),
	)...))
}

func (m *Metrics) RecordReconcileDrift(ctx context.Context, grantKind string) {
	if m == nil {
		return
	}
	m.reconcileDrift.Add(ctx, 1, metric.WithAttributes(FilterAttributes(
		attribute.String("grant_kind", strings.TrimSpace(grantKind)),
	)...))
}

func (m *Metrics) RecordRateLimitDenied(ctx context.Context, endpoint string) {
	if m == nil {
		return
	}
	m.rateLimitDenied.Add(ctx, 1, metric.WithAttributes(FilterAttributes(
		attribute.String("endpoint", strings.TrimSpace(endpoint)),
	)...))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	switch protocol {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{}
		if endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
		}
		return otlpmetrichttp.New(context.Background(), opts...)
	case "grpc", "grpc/protobuf", "":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		return otlpmetricgrpc.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", protocol)
	}
}

var allowedLabelKeys = map[attribute.Key]struct{}{
	"provider":    {},
	"mode":        {},
	"grant_kind":  {},
	"outcome":     {},
	"app":         {},
	"state":       {},
	"endpoint":    {},
	"status_code": {},
}

// FilterAttributes strips disallowed labels to keep metrics low-cardinality.
func FilterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	filtered := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, ok := allowedLabelKeys[attr.Key]; !ok {
			continue
		}
		filtered = append(filtered, attr)
	}
	return filtered
}
