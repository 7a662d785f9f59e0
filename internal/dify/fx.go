package dify

import "go.uber.org/fx"

var Module = fx.Module("dify",
	fx.Provide(New),
)
