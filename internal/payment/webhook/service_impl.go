package webhook

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"

	"github.com/smallbiznis/tokenvault/internal/config"
	ledgerdomain "github.com/smallbiznis/tokenvault/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/tokenvault/internal/observability/metrics"
	"github.com/smallbiznis/tokenvault/internal/payment/adapters"
	paymentdomain "github.com/smallbiznis/tokenvault/internal/payment/domain"
	productdomain "github.com/smallbiznis/tokenvault/internal/product/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Log        *zap.Logger
	Cfg        config.Config
	Adapters   *adapters.Registry
	Ledger     ledgerdomain.Service
	Products   productdomain.Service
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	log        *zap.Logger
	adapters   *adapters.Registry
	ledger     ledgerdomain.Service
	products   productdomain.Service
	obsMetrics *obsmetrics.Metrics
	configs    map[string]paymentdomain.AdapterConfig

	mu    sync.Mutex
	built map[string]paymentdomain.PaymentAdapter
}

func NewService(p Params) paymentdomain.WebhookService {
	s := &Service{
		log:        p.Log.Named("payment.webhook"),
		adapters:   p.Adapters,
		ledger:     p.Ledger,
		products:   p.Products,
		obsMetrics: p.ObsMetrics,
		built:      map[string]paymentdomain.PaymentAdapter{},
	}
	pay := p.Cfg.Payment
	gateway := &http.Client{Timeout: pay.QueryTimeout}
	s.configs = map[string]paymentdomain.AdapterConfig{
		paymentdomain.ProviderStripe: {
			WebhookSecret: pay.StripeWebhookSecret,
		},
		paymentdomain.ProviderZPay: {
			PID:        pay.ZPayPID,
			Key:        pay.ZPayKey,
			QueryURL:   pay.ZPayQueryURL,
			HTTPClient: gateway,
			CheckPrice: s.checkPrice,
		},
		paymentdomain.ProviderYiPay: {
			PID:        pay.YiPayPID,
			PublicKey:  pay.YiPayPublicKey,
			PrivateKey: pay.YiPayPrivateKey,
			QueryURL:   pay.YiPayQueryURL,
			HTTPClient: gateway,
			CheckPrice: s.checkPrice,
		},
	}
	s.log.Info("payment providers registered", zap.Strings("providers", s.adapters.Providers()))
	return s
}

// Ingest verifies a provider notification and hands the confirmation to the ledger.
// Unverified notifications never reach the ledger. Redeliveries succeed without minting.
func (s *Service) Ingest(ctx context.Context, provider string, req paymentdomain.WebhookRequest) (*paymentdomain.WebhookResult, error) {
	provider = strings.ToLower(strings.TrimSpace(provider))
	if s.adapters == nil || !s.adapters.ProviderExists(provider) {
		return nil, paymentdomain.ErrProviderNotFound
	}

	adapter, err := s.adapterFor(provider)
	if err != nil {
		return nil, err
	}
	result := &paymentdomain.WebhookResult{}
	if acker, ok := adapter.(paymentdomain.Acknowledger); ok {
		result.Ack = acker.Ack()
	}

	if err := adapter.Verify(ctx, req); err != nil {
		s.log.Warn("payment webhook rejected", zap.String("provider", provider), zap.Error(err))
		s.obsMetrics.RecordPaymentWebhook(ctx, provider, "invalid_signature")
		return nil, paymentdomain.ErrInvalidSignature
	}

	confirmation, err := adapter.Parse(ctx, req)
	if err != nil {
		if errors.Is(err, paymentdomain.ErrEventIgnored) {
			s.obsMetrics.RecordPaymentWebhook(ctx, provider, "ignored")
			result.Ignored = true
			return result, nil
		}
		s.log.Warn("payment webhook not accepted", zap.String("provider", provider), zap.Error(err))
		s.obsMetrics.RecordPaymentWebhook(ctx, provider, "rejected")
		return nil, err
	}

	issued, err := s.ledger.IssueGrant(ctx, *confirmation)
	if err != nil {
		if errors.Is(err, ledgerdomain.ErrDuplicateEvent) {
			s.obsMetrics.RecordPaymentWebhook(ctx, provider, "duplicate")
			result.Duplicate = true
			return result, nil
		}
		s.log.Error("issue grant failed",
			zap.String("provider", provider),
			zap.String("order_ref", confirmation.OrderRef),
			zap.Error(err),
		)
		s.obsMetrics.RecordPaymentWebhook(ctx, provider, "error")
		return nil, err
	}

	outcome := "issued"
	if issued.Duplicate {
		outcome = "duplicate"
	}
	s.obsMetrics.RecordPaymentWebhook(ctx, provider, outcome)
	s.log.Info("payment webhook processed",
		zap.String("provider", provider),
		zap.String("order_ref", confirmation.OrderRef),
		zap.String("product_id", confirmation.ProductID),
		zap.Bool("duplicate", issued.Duplicate),
		zap.Int64("credits", issued.Credits),
	)

	result.Duplicate = issued.Duplicate
	result.Grant = issued.Grant
	result.Credits = issued.Credits
	return result, nil
}

func (s *Service) adapterFor(provider string) (paymentdomain.PaymentAdapter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if adapter, ok := s.built[provider]; ok {
		return adapter, nil
	}
	adapter, err := s.adapters.NewAdapter(provider, s.configs[provider])
	if err != nil {
		if errors.Is(err, paymentdomain.ErrInvalidConfig) {
			s.log.Warn("payment provider not configured", zap.String("provider", provider))
			return nil, paymentdomain.ErrProviderNotConfigured
		}
		return nil, err
	}
	s.built[provider] = adapter
	return adapter, nil
}

func (s *Service) checkPrice(ctx context.Context, productID, amount string) error {
	err := s.products.CheckPrice(ctx, productID, amount)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, productdomain.ErrPriceMismatch), errors.Is(err, productdomain.ErrInvalidAmount):
		return paymentdomain.ErrAmountMismatch
	case errors.Is(err, productdomain.ErrNotFound), errors.Is(err, productdomain.ErrInvalidID):
		return ledgerdomain.ErrProductNotFound
	default:
		return err
	}
}
