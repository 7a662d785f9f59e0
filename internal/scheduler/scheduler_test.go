package scheduler

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/tokenvault/internal/clock"
	grantdomain "github.com/smallbiznis/tokenvault/internal/grant/domain"
	grantrepo "github.com/smallbiznis/tokenvault/internal/grant/repository"
	"github.com/smallbiznis/tokenvault/internal/storetest"
	usagedomain "github.com/smallbiznis/tokenvault/internal/usage/domain"
	usagerepo "github.com/smallbiznis/tokenvault/internal/usage/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newScheduler(t *testing.T, db *gorm.DB, batchSize int) *Scheduler {
	t.Helper()
	s, err := New(Params{
		DB:        db,
		Log:       zap.NewNop(),
		GenID:     storetest.Node(t),
		Clock:     clock.NewFakeClock(time.Date(2025, 1, 30, 9, 0, 0, 0, time.UTC)),
		GrantRepo: grantrepo.Provide(),
		Config:    Config{Enabled: true, BatchSize: batchSize},
	})
	require.NoError(t, err)
	return s
}

func seedOnetimeUsage(t *testing.T, db *gorm.DB, users int, spend int64) []grantdomain.GrantRef {
	t.Helper()
	ctx := context.Background()
	node := storetest.Node(t)
	grants := grantrepo.Provide()
	usage := usagerepo.Provide()
	now := time.Now().UTC()

	refs := make([]grantdomain.GrantRef, 0, users)
	for i := 0; i < users; i++ {
		grant, err := grants.UpsertOnetimeGrant(ctx, db, &grantdomain.OnetimeGrant{
			ID:           node.Generate(),
			UserID:       fmt.Sprintf("user-%d", i),
			OrderRef:     fmt.Sprintf("order-%d", i),
			TotalCredits: 100,
			CreatedAt:    now,
			UpdatedAt:    now,
		})
		require.NoError(t, err)

		_, err = grants.IncrementUsed(ctx, db, grant.Ref(), spend, now)
		require.NoError(t, err)
		record := &usagedomain.UsageRecord{
			ID:         node.Generate(),
			UserID:     grant.UserID,
			Amount:     spend,
			Capability: "chat",
			CreatedAt:  now,
		}
		record.SetGrantRef(grant.Ref())
		require.NoError(t, usage.Append(ctx, db, record))
		refs = append(refs, grant.Ref())
	}
	return refs
}

func TestReconcileConsistentLedger(t *testing.T) {
	db := storetest.Open(t)
	seedOnetimeUsage(t, db, 3, 10)

	report, err := newScheduler(t, db, 2).Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, report.Checked)
	assert.Empty(t, report.Drifts)
}

func TestReconcileReportsDrift(t *testing.T) {
	db := storetest.Open(t)
	refs := seedOnetimeUsage(t, db, 3, 10)
	require.NoError(t, db.Exec(`UPDATE onetime_grants SET used_credits = used_credits + 5 WHERE id = ?`, refs[1].ID).Error)

	report, err := newScheduler(t, db, 2).Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, report.Checked)
	require.Len(t, report.Drifts, 1)
	assert.Equal(t, refs[1], report.Drifts[0].Grant.Ref)
	assert.Equal(t, int64(10), report.Drifts[0].UsageSum)
	assert.Equal(t, int64(5), report.Drifts[0].Deviation)
}

// debitingGrants commits a consistent debit on every grant it has just listed,
// like live traffic landing while the scan is running.
type debitingGrants struct {
	grantdomain.Repository
	t    *testing.T
	node *snowflake.Node
}

func (g *debitingGrants) ListGrantsForReconciliation(ctx context.Context, db *gorm.DB, kind grantdomain.Kind, afterID snowflake.ID, limit int) ([]grantdomain.GrantUsage, error) {
	page, err := g.Repository.ListGrantsForReconciliation(ctx, db, kind, afterID, limit)
	if err != nil {
		return nil, err
	}
	usage := usagerepo.Provide()
	for _, gu := range page {
		err := db.Transaction(func(tx *gorm.DB) error {
			if _, err := g.Repository.IncrementUsed(ctx, tx, gu.Ref, 3, time.Now().UTC()); err != nil {
				return err
			}
			record := &usagedomain.UsageRecord{
				ID:         g.node.Generate(),
				UserID:     gu.UserID,
				Amount:     3,
				Capability: "chat",
				CreatedAt:  time.Now().UTC(),
			}
			record.SetGrantRef(gu.Ref)
			return usage.Append(ctx, tx, record)
		})
		require.NoError(g.t, err)
	}
	return page, nil
}

func TestReconcileIgnoresDebitsCommittedMidScan(t *testing.T) {
	db := storetest.Open(t)
	seedOnetimeUsage(t, db, 3, 10)

	// a second node keeps usage ids apart from the seeded rows
	node, err := snowflake.NewNode(2)
	require.NoError(t, err)

	s := newScheduler(t, db, 1)
	s.grantRepo = &debitingGrants{Repository: grantrepo.Provide(), t: t, node: node}

	report, err := s.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, report.Checked)
	assert.Empty(t, report.Drifts)
}

func TestRunOnceWithoutLocker(t *testing.T) {
	db := storetest.Open(t)
	seedOnetimeUsage(t, db, 1, 10)
	assert.NoError(t, newScheduler(t, db, 10).RunOnce(context.Background()))
}

func TestRunJobTimeoutIsSoft(t *testing.T) {
	s := newScheduler(t, storetest.Open(t), 10)

	err := s.runJob(context.Background(), "timeout_job", 0, 5*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	assert.NoError(t, err)

	boom := errors.New("boom")
	err = s.runJob(context.Background(), "failing_job", 0, time.Second, func(context.Context) error {
		return boom
	})
	assert.ErrorIs(t, err, boom)
}

func TestNewRejectsMissingDependencies(t *testing.T) {
	_, err := New(Params{Log: zap.NewNop()})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, "@every 15m", cfg.Schedule)
	assert.Equal(t, 200, cfg.BatchSize)
	assert.Greater(t, cfg.LockTTL, cfg.JobTimeout)
}
