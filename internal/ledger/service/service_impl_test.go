package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	balancedomain "github.com/smallbiznis/tokenvault/internal/balance/domain"
	balanceservice "github.com/smallbiznis/tokenvault/internal/balance/service"
	"github.com/smallbiznis/tokenvault/internal/clock"
	"github.com/smallbiznis/tokenvault/internal/config"
	grantdomain "github.com/smallbiznis/tokenvault/internal/grant/domain"
	grantrepo "github.com/smallbiznis/tokenvault/internal/grant/repository"
	ledgerdomain "github.com/smallbiznis/tokenvault/internal/ledger/domain"
	"github.com/smallbiznis/tokenvault/internal/notify"
	paymentrepo "github.com/smallbiznis/tokenvault/internal/payment/repository"
	productservice "github.com/smallbiznis/tokenvault/internal/product/service"
	"github.com/smallbiznis/tokenvault/internal/storetest"
	usagedomain "github.com/smallbiznis/tokenvault/internal/usage/domain"
	usagerepo "github.com/smallbiznis/tokenvault/internal/usage/repository"
	"github.com/smallbiznis/tokenvault/pkg/db/pagination"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []notify.Event
}

func (p *recordingPublisher) Publish(_ context.Context, event notify.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

type invalidationCache struct {
	mu          sync.Mutex
	invalidated []string
}

func (c *invalidationCache) Get(context.Context, string) (*balancedomain.Balance, bool, error) {
	return nil, false, nil
}

func (c *invalidationCache) Set(context.Context, *balancedomain.Balance) error { return nil }

func (c *invalidationCache) Invalidate(_ context.Context, userID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalidated = append(c.invalidated, userID)
	return nil
}

type fixture struct {
	db        *gorm.DB
	clock     *clock.FakeClock
	grants    grantdomain.Repository
	usage     usagedomain.Repository
	publisher *recordingPublisher
	cache     *invalidationCache
	params    Params
	svc       ledgerdomain.Service
}

func setup(t *testing.T, mutate func(*config.Catalog)) *fixture {
	t.Helper()

	cat := config.DefaultCatalog()
	if mutate != nil {
		mutate(&cat)
	}

	db := storetest.Open(t)
	clk := clock.NewFakeClock(time.Date(2025, 1, 30, 9, 0, 0, 0, time.UTC))
	grants := grantrepo.Provide()
	usage := usagerepo.Provide()
	publisher := &recordingPublisher{}
	cache := &invalidationCache{}

	balance := balanceservice.NewService(balanceservice.Params{
		DB:    db,
		Log:   zap.NewNop(),
		Clock: clk,
		Repo:  grants,
	})
	products := productservice.New(productservice.Params{
		Catalog: config.NewStaticCatalogHolder(cat),
		Log:     zap.NewNop(),
	})

	params := Params{
		DB:          db,
		Log:         zap.NewNop(),
		GenID:       storetest.Node(t),
		Clock:       clk,
		GrantRepo:   grants,
		UsageRepo:   usage,
		PaymentRepo: paymentrepo.Provide(),
		Balance:     balance,
		Products:    products,
		Cache:       cache,
		Publisher:   publisher,
	}
	return &fixture{
		db:        db,
		clock:     clk,
		grants:    grants,
		usage:     usage,
		publisher: publisher,
		cache:     cache,
		params:    params,
		svc:       NewService(params),
	}
}

func confirmation(orderRef, userID, productID string) ledgerdomain.PaymentConfirmation {
	return ledgerdomain.PaymentConfirmation{
		Provider:  "zpay",
		OrderRef:  orderRef,
		UserID:    userID,
		ProductID: productID,
		Amount:    0.3,
		Currency:  "cny",
	}
}

func (f *fixture) countPayments(t *testing.T) int64 {
	t.Helper()
	var count int64
	require.NoError(t, f.db.Raw(`SELECT COUNT(*) FROM payment_records`).Scan(&count).Error)
	return count
}

func TestIssueGrantIsIdempotentPerOrder(t *testing.T) {
	ctx := context.Background()
	f := setup(t, nil)

	first, err := f.svc.IssueGrant(ctx, confirmation("order-1", "u1", "topup"))
	require.NoError(t, err)
	require.False(t, first.Duplicate)
	require.NotNil(t, first.Grant)
	assert.Equal(t, grantdomain.KindOnetime, first.Grant.Kind)
	assert.Equal(t, int64(3000), first.Credits)
	assert.Equal(t, "CNY", first.Record.Currency)

	second, err := f.svc.IssueGrant(ctx, confirmation("order-1", "u1", "topup"))
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	require.NotNil(t, second.Grant)
	assert.Equal(t, *first.Grant, *second.Grant)

	grant, err := f.grants.FindOnetimeGrant(ctx, f.db, "u1")
	require.NoError(t, err)
	require.NotNil(t, grant)
	assert.Equal(t, int64(3000), grant.TotalCredits)
	assert.Equal(t, int64(1), f.countPayments(t))
	assert.Equal(t, []string{notify.EventGrantIssued}, f.publisher.types())
}

func TestIssueGrantTopUpsStack(t *testing.T) {
	ctx := context.Background()
	f := setup(t, nil)

	_, err := f.svc.IssueGrant(ctx, confirmation("order-1", "u1", "topup"))
	require.NoError(t, err)
	_, err = f.svc.IssueGrant(ctx, confirmation("order-2", "u1", "topup"))
	require.NoError(t, err)

	grant, err := f.grants.FindOnetimeGrant(ctx, f.db, "u1")
	require.NoError(t, err)
	require.NotNil(t, grant)
	assert.Equal(t, int64(6000), grant.TotalCredits)
	assert.Equal(t, int64(0), grant.UsedCredits)
}

func TestIssueGrantRenewalChainsAfterCurrentCycle(t *testing.T) {
	ctx := context.Background()
	f := setup(t, nil)

	first, err := f.svc.IssueGrant(ctx, confirmation("order-1", "u1", "basic-monthly"))
	require.NoError(t, err)
	require.NotNil(t, first.Subscription)
	assert.Equal(t, time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC), first.Subscription.ExpireTime)

	f.clock.Set(time.Date(2025, 2, 20, 9, 0, 0, 0, time.UTC))
	renewal, err := f.svc.IssueGrant(ctx, confirmation("order-2", "u1", "basic-monthly"))
	require.NoError(t, err)
	require.NotNil(t, renewal.Subscription)
	assert.Equal(t, time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC), renewal.Subscription.StartTime)
	assert.Equal(t, time.Date(2025, 3, 31, 9, 0, 0, 0, time.UTC), renewal.Subscription.ExpireTime)

	// the renewal only becomes the active grant once the current cycle lapses
	active, err := f.grants.FindActiveSubscriptionGrant(ctx, f.db, "u1", f.clock.Now())
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, first.Grant.ID, active.ID)

	active, err = f.grants.FindActiveSubscriptionGrant(ctx, f.db, "u1", time.Date(2025, 3, 2, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, renewal.Grant.ID, active.ID)
}

func TestIssueGrantAfterLapseStartsNow(t *testing.T) {
	ctx := context.Background()
	f := setup(t, nil)

	_, err := f.svc.IssueGrant(ctx, confirmation("order-1", "u1", "basic-monthly"))
	require.NoError(t, err)

	later := time.Date(2025, 4, 10, 9, 0, 0, 0, time.UTC)
	f.clock.Set(later)
	res, err := f.svc.IssueGrant(ctx, confirmation("order-2", "u1", "basic-monthly"))
	require.NoError(t, err)
	assert.Equal(t, later, res.Subscription.StartTime)
}

func TestIssueGrantUnknownProductIsRetryable(t *testing.T) {
	f := setup(t, nil)

	_, err := f.svc.IssueGrant(context.Background(), confirmation("order-1", "u1", "lifetime"))
	require.ErrorIs(t, err, ledgerdomain.ErrProductNotFound)
	assert.Equal(t, int64(0), f.countPayments(t))
}

func TestIssueGrantWithAIDisabledRecordsPaymentOnly(t *testing.T) {
	ctx := context.Background()
	f := setup(t, func(c *config.Catalog) { c.AI.Enable = false })

	res, err := f.svc.IssueGrant(ctx, confirmation("order-1", "u1", "topup"))
	require.NoError(t, err)
	assert.Nil(t, res.Grant)
	assert.Equal(t, int64(0), res.Credits)
	assert.Equal(t, int64(1), f.countPayments(t))

	grant, err := f.grants.FindOnetimeGrant(ctx, f.db, "u1")
	require.NoError(t, err)
	assert.Nil(t, grant)
}

func TestIssueGrantRejectsModeMismatch(t *testing.T) {
	f := setup(t, nil)
	c := confirmation("order-1", "u1", "topup")
	c.Mode = ledgerdomain.ModeSubscription

	_, err := f.svc.IssueGrant(context.Background(), c)
	require.ErrorIs(t, err, ledgerdomain.ErrModeMismatch)
}

func TestIssueGrantValidatesConfirmation(t *testing.T) {
	f := setup(t, nil)
	tests := []struct {
		name   string
		mutate func(*ledgerdomain.PaymentConfirmation)
		want   error
	}{
		{name: "provider", mutate: func(c *ledgerdomain.PaymentConfirmation) { c.Provider = " " }, want: ledgerdomain.ErrInvalidProvider},
		{name: "order ref", mutate: func(c *ledgerdomain.PaymentConfirmation) { c.OrderRef = "" }, want: ledgerdomain.ErrInvalidOrderRef},
		{name: "user", mutate: func(c *ledgerdomain.PaymentConfirmation) { c.UserID = "" }, want: ledgerdomain.ErrInvalidUser},
		{name: "product", mutate: func(c *ledgerdomain.PaymentConfirmation) { c.ProductID = "" }, want: ledgerdomain.ErrInvalidProduct},
		{name: "mode", mutate: func(c *ledgerdomain.PaymentConfirmation) { c.Mode = "lifetime" }, want: ledgerdomain.ErrInvalidMode},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := confirmation("order-1", "u1", "topup")
			tt.mutate(&c)
			_, err := f.svc.IssueGrant(context.Background(), c)
			require.ErrorIs(t, err, tt.want)
		})
	}
}

func TestDebitPrefersSubscriptionThenFallsThrough(t *testing.T) {
	ctx := context.Background()
	f := setup(t, nil)

	sub, err := f.svc.IssueGrant(ctx, confirmation("order-1", "u1", "basic-monthly"))
	require.NoError(t, err)
	top, err := f.svc.IssueGrant(ctx, confirmation("order-2", "u1", "topup"))
	require.NoError(t, err)

	res, err := f.svc.Debit(ctx, ledgerdomain.DebitRequest{UserID: "u1", Amount: 800, Capability: "observation"})
	require.NoError(t, err)
	assert.True(t, res.Charged)
	assert.Equal(t, *sub.Grant, res.Grant)
	assert.Equal(t, int64(200), res.Remaining)

	// 200 left on the subscription cannot cover 500, and grants are never combined
	res, err = f.svc.Debit(ctx, ledgerdomain.DebitRequest{UserID: "u1", Amount: 500, Capability: "observation"})
	require.NoError(t, err)
	assert.Equal(t, *top.Grant, res.Grant)
	assert.Equal(t, int64(2500), res.Remaining)

	records, _, err := f.usage.List(ctx, f.db, "u1", defaultPage)
	require.NoError(t, err)
	require.Len(t, records, 2)

	assert.Contains(t, f.cache.invalidated, "u1")
	assert.Equal(t, []string{
		notify.EventGrantIssued,
		notify.EventGrantIssued,
		notify.EventDebited,
		notify.EventDebited,
	}, f.publisher.types())
}

func TestDebitWithoutCoverageWritesNothing(t *testing.T) {
	ctx := context.Background()
	f := setup(t, nil)

	_, err := f.svc.Debit(ctx, ledgerdomain.DebitRequest{UserID: "u1", Amount: 10, Capability: "observation"})
	require.ErrorIs(t, err, balancedomain.ErrNoCreditsAvailable)

	_, err = f.svc.IssueGrant(ctx, confirmation("order-1", "u1", "topup"))
	require.NoError(t, err)

	_, err = f.svc.Debit(ctx, ledgerdomain.DebitRequest{UserID: "u1", Amount: 5000, Capability: "observation"})
	require.ErrorIs(t, err, ledgerdomain.ErrInsufficientCredits)

	grant, err := f.grants.FindOnetimeGrant(ctx, f.db, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), grant.UsedCredits)

	count, err := f.usage.CountByGrant(ctx, f.db, grant.Ref())
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)
}

func TestDebitZeroAmountIsNoop(t *testing.T) {
	f := setup(t, nil)

	res, err := f.svc.Debit(context.Background(), ledgerdomain.DebitRequest{UserID: "u1", Amount: 0, Capability: "templates"})
	require.NoError(t, err)
	assert.False(t, res.Charged)
	assert.Empty(t, f.publisher.types())
}

func TestDebitValidatesRequest(t *testing.T) {
	f := setup(t, nil)
	ctx := context.Background()

	_, err := f.svc.Debit(ctx, ledgerdomain.DebitRequest{Amount: 1, Capability: "x"})
	assert.ErrorIs(t, err, ledgerdomain.ErrInvalidUser)
	_, err = f.svc.Debit(ctx, ledgerdomain.DebitRequest{UserID: "u1", Amount: -1, Capability: "x"})
	assert.ErrorIs(t, err, ledgerdomain.ErrInvalidAmount)
	_, err = f.svc.Debit(ctx, ledgerdomain.DebitRequest{UserID: "u1", Amount: 1})
	assert.ErrorIs(t, err, ledgerdomain.ErrInvalidCapability)
}

func TestConcurrentDebitsNeverOverdraw(t *testing.T) {
	ctx := context.Background()
	f := setup(t, nil)

	_, err := f.svc.IssueGrant(ctx, confirmation("order-1", "u1", "topup"))
	require.NoError(t, err)

	const workers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		failures  []error
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Debit(ctx, ledgerdomain.DebitRequest{UserID: "u1", Amount: 3000, Capability: "observation"})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				successes++
				return
			}
			failures = append(failures, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	require.Len(t, failures, workers-1)
	for _, err := range failures {
		assert.True(t, errors.Is(err, ledgerdomain.ErrInsufficientCredits), "unexpected error: %v", err)
	}

	grant, err := f.grants.FindOnetimeGrant(ctx, f.db, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(3000), grant.UsedCredits)
}

func TestUsageSumMatchesUsedCredits(t *testing.T) {
	ctx := context.Background()
	f := setup(t, nil)

	_, err := f.svc.IssueGrant(ctx, confirmation("order-1", "u1", "basic-monthly"))
	require.NoError(t, err)
	_, err = f.svc.IssueGrant(ctx, confirmation("order-2", "u1", "topup"))
	require.NoError(t, err)

	for _, amount := range []int64{120, 250, 600, 90, 700, 33} {
		_, err := f.svc.Debit(ctx, ledgerdomain.DebitRequest{UserID: "u1", Amount: amount, Capability: "observation"})
		require.NoError(t, err)
	}

	sub, err := f.grants.FindActiveSubscriptionGrant(ctx, f.db, "u1", f.clock.Now())
	require.NoError(t, err)
	top, err := f.grants.FindOnetimeGrant(ctx, f.db, "u1")
	require.NoError(t, err)

	for _, grant := range []grantdomain.Grant{sub.View(), top.View()} {
		sum, err := f.usage.SumByGrant(ctx, f.db, grant.Ref)
		require.NoError(t, err)
		assert.Equal(t, grant.UsedCredits, sum, "grant %s", grant.Ref.Kind)
		assert.LessOrEqual(t, grant.UsedCredits, grant.TotalCredits)
	}
	assert.Equal(t, int64(1793), sub.UsedCredits+top.UsedCredits)
}

var defaultPage = pagination.Pagination{Page: 1, PageSize: 10}
