package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
	balancedomain "github.com/smallbiznis/tokenvault/internal/balance/domain"
	"github.com/smallbiznis/tokenvault/internal/config"
	"go.uber.org/fx"
)

const (
	keyBalance        = "tokenvault:balance:%s"
	defaultBalanceTTL = 15 * time.Second
)

// BalanceCache serves the balance endpoint. Debits never read from it.
type BalanceCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewBalanceCache(client *redis.Client, ttl time.Duration) *BalanceCache {
	if ttl <= 0 {
		ttl = defaultBalanceTTL
	}
	return &BalanceCache{client: client, ttl: ttl}
}

func (c *BalanceCache) Get(ctx context.Context, userID string) (*balancedomain.Balance, bool, error) {
	raw, err := c.client.Get(ctx, balanceKey(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var balance balancedomain.Balance
	if err := json.Unmarshal(raw, &balance); err != nil {
		// a stale or foreign entry is a miss
		_ = c.client.Del(ctx, balanceKey(userID)).Err()
		return nil, false, nil
	}
	return &balance, true, nil
}

func (c *BalanceCache) Set(ctx context.Context, balance *balancedomain.Balance) error {
	if balance == nil || strings.TrimSpace(balance.UserID) == "" {
		return nil
	}
	raw, err := json.Marshal(balance)
	if err != nil {
		return fmt.Errorf("encode balance: %w", err)
	}
	return c.client.Set(ctx, balanceKey(balance.UserID), raw, c.ttl).Err()
}

func (c *BalanceCache) Invalidate(ctx context.Context, userID string) error {
	return c.client.Del(ctx, balanceKey(userID)).Err()
}

func balanceKey(userID string) string {
	return fmt.Sprintf(keyBalance, strings.TrimSpace(userID))
}

type BalanceParams struct {
	fx.In

	Cfg    config.Config
	Client *redis.Client `optional:"true"`
}

// ProvideBalanceCache yields a nil interface without Redis so optional consumers see no cache.
func ProvideBalanceCache(p BalanceParams) balancedomain.Cache {
	if p.Client == nil {
		return nil
	}
	return NewBalanceCache(p.Client, p.Cfg.BalanceCacheTTL)
}
