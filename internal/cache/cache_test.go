package cache

import (
	"testing"
	"time"

	"github.com/smallbiznis/tokenvault/internal/config"
	"github.com/stretchr/testify/assert"
	"go.uber.org/fx/fxtest"
	"go.uber.org/zap"
)

func TestRedisDisabledWithoutAddr(t *testing.T) {
	lc := fxtest.NewLifecycle(t)
	client := NewRedisClient(lc, config.Config{}, zap.NewNop())
	assert.Nil(t, client)

	assert.Nil(t, ProvideBalanceCache(BalanceParams{Cfg: config.Config{}}))
}

func TestBalanceCacheDefaults(t *testing.T) {
	c := NewBalanceCache(nil, 0)
	assert.Equal(t, defaultBalanceTTL, c.ttl)
	assert.Equal(t, "tokenvault:balance:u1", balanceKey(" u1 "))

	c = NewBalanceCache(nil, time.Minute)
	assert.Equal(t, time.Minute, c.ttl)
}
