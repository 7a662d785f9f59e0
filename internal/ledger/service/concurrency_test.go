package service

import (
	"context"
	"sync"
	"testing"
	"time"

	grantdomain "github.com/smallbiznis/tokenvault/internal/grant/domain"
	ledgerdomain "github.com/smallbiznis/tokenvault/internal/ledger/domain"
	"github.com/smallbiznis/tokenvault/internal/notify"
	paymentdomain "github.com/smallbiznis/tokenvault/internal/payment/domain"
	paymentrepo "github.com/smallbiznis/tokenvault/internal/payment/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// stalePayments hides stored records from the first misses lookups and never inserts,
// like a delivery that read before a concurrent delivery committed.
type stalePayments struct {
	paymentdomain.Repository
	misses int
}

func (p *stalePayments) FindRecord(ctx context.Context, db *gorm.DB, provider, orderRef string) (*ledgerdomain.PaymentRecord, error) {
	if p.misses > 0 {
		p.misses--
		return nil, nil
	}
	return p.Repository.FindRecord(ctx, db, provider, orderRef)
}

func (p *stalePayments) InsertRecord(context.Context, *gorm.DB, *ledgerdomain.PaymentRecord) (bool, error) {
	return false, nil
}

// drainingGrants empties the first grant it is asked to charge and reports it short,
// like a concurrent debit committing between selection and update.
type drainingGrants struct {
	grantdomain.Repository
	calls int
}

func (g *drainingGrants) IncrementUsed(ctx context.Context, db *gorm.DB, ref grantdomain.GrantRef, amount int64, at time.Time) (*grantdomain.Grant, error) {
	g.calls++
	if g.calls == 1 {
		grant, err := g.Repository.FindGrant(ctx, db, ref)
		if err != nil {
			return nil, err
		}
		if _, err := g.Repository.IncrementUsed(ctx, db, ref, grant.Remaining(), at); err != nil {
			return nil, err
		}
		return nil, grantdomain.ErrInsufficientCredits
	}
	return g.Repository.IncrementUsed(ctx, db, ref, amount, at)
}

func TestIssueGrantSameOrderRefAcrossProviders(t *testing.T) {
	ctx := context.Background()
	f := setup(t, nil)

	zpay := confirmation("ORD-1", "u1", "basic-monthly")
	first, err := f.svc.IssueGrant(ctx, zpay)
	require.NoError(t, err)
	require.False(t, first.Duplicate)

	yipay := confirmation("ORD-1", "u2", "basic-monthly")
	yipay.Provider = "yipay"
	second, err := f.svc.IssueGrant(ctx, yipay)
	require.NoError(t, err)
	assert.False(t, second.Duplicate)
	require.NotNil(t, second.Grant)
	assert.NotEqual(t, first.Grant.ID, second.Grant.ID)

	grant, err := f.grants.FindActiveSubscriptionGrant(ctx, f.db, "u2", f.clock.Now())
	require.NoError(t, err)
	require.NotNil(t, grant)
	assert.Equal(t, second.Grant.ID, grant.ID)
	assert.Equal(t, int64(2), f.countPayments(t))
}

func TestConcurrentDeliveriesOfOneOrderIssueOnce(t *testing.T) {
	ctx := context.Background()

	for _, product := range []string{"topup", "basic-monthly"} {
		t.Run(product, func(t *testing.T) {
			f := setup(t, nil)

			const deliveries = 8
			var (
				wg      sync.WaitGroup
				mu      sync.Mutex
				fresh   []*ledgerdomain.IssueResult
				grants  = map[grantdomain.GrantRef]int{}
				results int
			)
			for i := 0; i < deliveries; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					res, err := f.svc.IssueGrant(ctx, confirmation("order-1", "u1", product))
					if !assert.NoError(t, err) {
						return
					}
					mu.Lock()
					defer mu.Unlock()
					results++
					if !res.Duplicate {
						fresh = append(fresh, res)
					}
					if res.Grant != nil {
						grants[*res.Grant]++
					}
				}()
			}
			wg.Wait()

			assert.Equal(t, deliveries, results)
			require.Len(t, fresh, 1)
			assert.Len(t, grants, 1)
			assert.Equal(t, int64(1), f.countPayments(t))
			assert.Equal(t, []string{notify.EventGrantIssued}, f.publisher.types())

			bal, err := f.svc.HasSufficientCredits(ctx, "u1", fresh[0].Credits+1)
			require.NoError(t, err)
			assert.False(t, bal)
		})
	}
}

func TestIssueGrantLostRaceReturnsStoredRecord(t *testing.T) {
	ctx := context.Background()
	f := setup(t, nil)

	first, err := f.svc.IssueGrant(ctx, confirmation("order-1", "u1", "topup"))
	require.NoError(t, err)

	p := f.params
	p.PaymentRepo = &stalePayments{Repository: paymentrepo.Provide(), misses: 1}
	svc := NewService(p)

	res, err := svc.IssueGrant(ctx, confirmation("order-1", "u1", "topup"))
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	require.NotNil(t, res.Grant)
	assert.Equal(t, *first.Grant, *res.Grant)

	grant, err := f.grants.FindOnetimeGrant(ctx, f.db, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(3000), grant.TotalCredits)
	assert.Equal(t, []string{notify.EventGrantIssued}, f.publisher.types())
}

func TestIssueGrantConflictWithoutRecordIsRetryable(t *testing.T) {
	f := setup(t, nil)

	p := f.params
	p.PaymentRepo = &stalePayments{Repository: paymentrepo.Provide(), misses: 2}
	svc := NewService(p)

	_, err := svc.IssueGrant(context.Background(), confirmation("order-1", "u1", "topup"))
	require.ErrorIs(t, err, ledgerdomain.ErrStorageUnavailable)
	assert.NotErrorIs(t, err, ledgerdomain.ErrDuplicateEvent)
}

func TestDebitReselectsWhenGrantDrainedConcurrently(t *testing.T) {
	ctx := context.Background()
	f := setup(t, nil)

	sub, err := f.svc.IssueGrant(ctx, confirmation("order-1", "u1", "basic-monthly"))
	require.NoError(t, err)
	top, err := f.svc.IssueGrant(ctx, confirmation("order-2", "u1", "topup"))
	require.NoError(t, err)

	draining := &drainingGrants{Repository: f.grants}
	p := f.params
	p.GrantRepo = draining
	svc := NewService(p)

	res, err := svc.Debit(ctx, ledgerdomain.DebitRequest{UserID: "u1", Amount: 100, Capability: "observation"})
	require.NoError(t, err)
	assert.Equal(t, 2, draining.calls)
	assert.Equal(t, *top.Grant, res.Grant)
	assert.Equal(t, int64(2900), res.Remaining)

	drained, err := f.grants.FindGrant(ctx, f.db, *sub.Grant)
	require.NoError(t, err)
	assert.Equal(t, drained.TotalCredits, drained.UsedCredits)
}
