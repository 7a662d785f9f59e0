package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	balancedomain "github.com/smallbiznis/tokenvault/internal/balance/domain"
	"github.com/smallbiznis/tokenvault/internal/clock"
	grantdomain "github.com/smallbiznis/tokenvault/internal/grant/domain"
	grantrepo "github.com/smallbiznis/tokenvault/internal/grant/repository"
	"github.com/smallbiznis/tokenvault/internal/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var now = time.Date(2025, 2, 20, 12, 0, 0, 0, time.UTC)

type fixture struct {
	db   *gorm.DB
	node *snowflake.Node
	repo grantdomain.Repository
	svc  balancedomain.Service
}

func setup(t *testing.T, cache balancedomain.Cache) *fixture {
	t.Helper()
	db := storetest.Open(t)
	repo := grantrepo.Provide()
	return &fixture{
		db:   db,
		node: storetest.Node(t),
		repo: repo,
		svc: NewService(Params{
			DB:    db,
			Log:   zap.NewNop(),
			Clock: clock.NewFakeClock(now),
			Repo:  repo,
			Cache: cache,
		}),
	}
}

func (f *fixture) subscription(t *testing.T, userID string, total, used int64) grantdomain.SubscriptionGrant {
	t.Helper()
	ctx := context.Background()
	sub := &grantdomain.Subscription{
		ID: f.node.Generate(), UserID: userID, ProductID: "basic-monthly", Status: grantdomain.SubscriptionStatusActive,
		Provider: "zpay", OrderRef: "sub-" + userID, StartTime: now.AddDate(0, 0, -1), ExpireTime: now.AddDate(0, 0, 29), CreatedAt: now,
	}
	_, err := f.repo.InsertSubscription(ctx, f.db, sub)
	require.NoError(t, err)
	grant := grantdomain.SubscriptionGrant{
		ID: f.node.Generate(), UserID: userID, SubscriptionID: sub.ID, OrderRef: sub.OrderRef,
		TotalCredits: total, UsedCredits: used, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, f.repo.CreateSubscriptionGrant(ctx, f.db, &grant))
	return grant
}

func (f *fixture) onetime(t *testing.T, userID string, total int64) *grantdomain.OnetimeGrant {
	t.Helper()
	grant, err := f.repo.UpsertOnetimeGrant(context.Background(), f.db, &grantdomain.OnetimeGrant{
		ID: f.node.Generate(), UserID: userID, OrderRef: "top-" + userID, TotalCredits: total, CreatedAt: now, UpdatedAt: now,
	})
	require.NoError(t, err)
	return grant
}

func TestSelectGrantPrefersSubscription(t *testing.T) {
	f := setup(t, nil)
	sub := f.subscription(t, "u1", 1000, 0)
	f.onetime(t, "u1", 1000)

	grant, err := f.svc.SelectGrantForDebit(context.Background(), f.db, "u1", 100)
	require.NoError(t, err)
	assert.Equal(t, sub.Ref(), grant.Ref)
}

func TestSelectGrantFallsThroughToOnetime(t *testing.T) {
	f := setup(t, nil)
	f.subscription(t, "u1", 1000, 1000)
	top := f.onetime(t, "u1", 500)

	grant, err := f.svc.SelectGrantForDebit(context.Background(), f.db, "u1", 100)
	require.NoError(t, err)
	assert.Equal(t, top.Ref(), grant.Ref)
}

func TestSelectGrantErrors(t *testing.T) {
	f := setup(t, nil)
	ctx := context.Background()

	_, err := f.svc.SelectGrantForDebit(ctx, f.db, "nobody", 10)
	assert.ErrorIs(t, err, balancedomain.ErrNoCreditsAvailable)

	// 50 + 500 left, but a single grant has to cover the request
	f.subscription(t, "u1", 100, 50)
	f.onetime(t, "u1", 500)
	_, err = f.svc.SelectGrantForDebit(ctx, f.db, "u1", 520)
	assert.ErrorIs(t, err, balancedomain.ErrInsufficientCredits)

	_, err = f.svc.SelectGrantForDebit(ctx, f.db, "u1", 0)
	assert.ErrorIs(t, err, balancedomain.ErrInvalidAmount)
}

func TestHasSufficientCreditsIsSingleGrant(t *testing.T) {
	f := setup(t, nil)
	ctx := context.Background()
	f.subscription(t, "u1", 100, 50)
	f.onetime(t, "u1", 500)

	ok, err := f.svc.HasSufficientCredits(ctx, "u1", 500)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = f.svc.HasSufficientCredits(ctx, "u1", 501)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = f.svc.HasSufficientCredits(ctx, "nobody", 1)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = f.svc.HasSufficientCredits(ctx, "", 1)
	assert.ErrorIs(t, err, balancedomain.ErrInvalidUser)
}

func TestHasActiveSubscription(t *testing.T) {
	f := setup(t, nil)
	f.subscription(t, "u1", 100, 0)

	ok, err := f.svc.HasActiveSubscription(context.Background(), "u1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = f.svc.HasActiveSubscription(context.Background(), "u2")
	require.NoError(t, err)
	assert.False(t, ok)
}

type memoryCache struct {
	mu   sync.Mutex
	data map[string]balancedomain.Balance
	sets int
}

func (c *memoryCache) Get(_ context.Context, userID string) (*balancedomain.Balance, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.data[userID]
	if !ok {
		return nil, false, nil
	}
	return &b, true, nil
}

func (c *memoryCache) Set(_ context.Context, balance *balancedomain.Balance) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sets++
	c.data[balance.UserID] = *balance
	return nil
}

func (c *memoryCache) Invalidate(_ context.Context, userID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, userID)
	return nil
}

func TestSnapshotSumsGrantsAndUsesCache(t *testing.T) {
	cache := &memoryCache{data: map[string]balancedomain.Balance{}}
	f := setup(t, cache)
	ctx := context.Background()
	f.subscription(t, "u1", 1000, 250)
	f.onetime(t, "u1", 3000)

	snap, err := f.svc.Snapshot(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, snap.Subscription)
	require.NotNil(t, snap.Onetime)
	assert.Equal(t, int64(750), snap.Subscription.Remaining)
	require.NotNil(t, snap.Subscription.ExpireTime)
	assert.True(t, snap.Subscription.ExpireTime.Equal(now.AddDate(0, 0, 29)))
	assert.Equal(t, int64(3750), snap.Total)
	assert.Equal(t, 1, cache.sets)

	again, err := f.svc.Snapshot(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, snap.Total, again.Total)
	assert.Equal(t, 1, cache.sets)
}

func TestSubscriptionStatus(t *testing.T) {
	f := setup(t, nil)
	grant := f.subscription(t, "u1", 1000, 250)

	// prepaid renewal chained after the current cycle
	renewal := &grantdomain.Subscription{
		ID: f.node.Generate(), UserID: "u1", ProductID: "basic-monthly", Status: grantdomain.SubscriptionStatusActive,
		Provider: "zpay", OrderRef: "sub-u1-renewal", StartTime: now.AddDate(0, 0, 29), ExpireTime: now.AddDate(0, 0, 59), CreatedAt: now,
	}
	_, err := f.repo.InsertSubscription(context.Background(), f.db, renewal)
	require.NoError(t, err)

	status, err := f.svc.SubscriptionStatus(context.Background(), "u1")
	require.NoError(t, err)
	assert.True(t, status.Active)
	require.NotNil(t, status.Current)
	assert.Equal(t, grant.ID, status.Current.ID)
	require.NotNil(t, status.Grant)
	assert.Equal(t, int64(750), status.Grant.Remaining)
	require.NotNil(t, status.ExpireTime)
	assert.True(t, status.ExpireTime.Equal(now.AddDate(0, 0, 59)))

	none, err := f.svc.SubscriptionStatus(context.Background(), "u2")
	require.NoError(t, err)
	assert.False(t, none.Active)
	assert.Nil(t, none.ExpireTime)

	_, err = f.svc.SubscriptionStatus(context.Background(), " ")
	assert.ErrorIs(t, err, balancedomain.ErrInvalidUser)
}
