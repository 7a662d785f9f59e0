package ratelimit

import (
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/fx"
)

var Module = fx.Module("rate.limit",
	fx.Provide(NewAssistantLimiter),
	fx.Provide(ProvideLocker),
)

type LockerParams struct {
	fx.In

	Client *redis.Client `optional:"true"`
}

func ProvideLocker(p LockerParams) *Locker {
	return NewLocker(p.Client)
}
