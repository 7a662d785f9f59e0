package assistant

import (
	"github.com/smallbiznis/tokenvault/internal/assistant/service"
	"github.com/smallbiznis/tokenvault/internal/dify"
	"go.uber.org/fx"
)

var Module = fx.Module("assistant.service",
	fx.Provide(func(c *dify.Client) service.Upstream { return c }),
	fx.Provide(service.NewService),
)
