package notify

import (
	"context"
	"strings"

	"github.com/smallbiznis/tokenvault/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("notify",
	fx.Provide(NewPublisher),
)

// NewPublisher falls back to Noop when AMQP is unset or unreachable so the ledger never blocks on the broker.
func NewPublisher(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) Publisher {
	if strings.TrimSpace(cfg.AMQPURL) == "" {
		return Noop{}
	}

	publisher, err := DialAMQP(cfg.AMQPURL, cfg.AMQPExchange, log)
	if err != nil {
		log.Warn("amqp unavailable, ledger events disabled", zap.Error(err))
		return Noop{}
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return publisher.Close()
		},
	})
	return publisher
}
