package payment

import (
	"github.com/smallbiznis/tokenvault/internal/payment/adapters"
	"github.com/smallbiznis/tokenvault/internal/payment/adapters/stripe"
	"github.com/smallbiznis/tokenvault/internal/payment/adapters/yipay"
	"github.com/smallbiznis/tokenvault/internal/payment/adapters/zpay"
	"github.com/smallbiznis/tokenvault/internal/payment/repository"
	paymentservice "github.com/smallbiznis/tokenvault/internal/payment/service"
	"github.com/smallbiznis/tokenvault/internal/payment/webhook"
	"go.uber.org/fx"
)

var Module = fx.Module("payment.service",
	fx.Provide(repository.Provide),
	fx.Provide(func() *adapters.Registry {
		return adapters.NewRegistry(
			stripe.NewFactory(),
			zpay.NewFactory(),
			yipay.NewFactory(),
		)
	}),
	fx.Provide(paymentservice.NewService),
	fx.Provide(webhook.NewService),
)
