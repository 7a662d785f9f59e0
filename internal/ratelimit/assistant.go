package ratelimit

import (
	"context"
	"fmt"
	"strings"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/tokenvault/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const keyAssistantUser = "tokenvault:ratelimit:assistant:%s"

// AssistantLimiter throttles AI requests per user. A nil limiter allows everything.
type AssistantLimiter struct {
	bucket *TokenBucket
	rate   float64
	burst  int
}

type AssistantParams struct {
	fx.In

	Cfg    config.Config
	Log    *zap.Logger
	Client *redis.Client `optional:"true"`
}

func NewAssistantLimiter(p AssistantParams) (*AssistantLimiter, error) {
	limitCfg := p.Cfg.RateLimit
	if !limitCfg.Enabled {
		return nil, nil
	}
	if p.Client == nil {
		p.Log.Warn("rate limiting enabled without redis, assistant requests are not throttled")
		return nil, nil
	}
	if limitCfg.AssistantRate <= 0 || limitCfg.AssistantBurst <= 0 {
		return nil, fmt.Errorf("assistant rate limit: %w", ErrInvalidLimiterRate)
	}
	return &AssistantLimiter{
		bucket: NewTokenBucket(p.Client),
		rate:   limitCfg.AssistantRate,
		burst:  limitCfg.AssistantBurst,
	}, nil
}

func (l *AssistantLimiter) Enabled() bool {
	return l != nil && l.bucket != nil
}

func (l *AssistantLimiter) Allow(ctx context.Context, userID string) (*RateLimitResult, error) {
	if !l.Enabled() {
		return &RateLimitResult{Allowed: true}, nil
	}
	return l.bucket.Allow(ctx, fmt.Sprintf(keyAssistantUser, strings.TrimSpace(userID)), l.rate, l.burst)
}
