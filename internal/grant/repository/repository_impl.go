package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/tokenvault/internal/grant/domain"
	dbpkg "github.com/smallbiznis/tokenvault/pkg/db"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) FindActiveSubscriptionGrant(ctx context.Context, db *gorm.DB, userID string, now time.Time) (*domain.SubscriptionGrant, error) {
	var item domain.SubscriptionGrant
	err := db.WithContext(ctx).Raw(
		`SELECT g.id, g.user_id, g.subscription_id, g.order_ref, g.total_credits,
			g.used_credits, g.created_at, g.updated_at
		 FROM subscription_grants g
		 JOIN subscriptions s ON s.id = g.subscription_id
		 WHERE g.user_id = ?
		   AND s.status = ?
		   AND s.start_time <= ?
		   AND s.expire_time > ?
		 ORDER BY s.start_time DESC
		 LIMIT 1`,
		userID,
		domain.SubscriptionStatusActive,
		now,
		now,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) FindOnetimeGrant(ctx context.Context, db *gorm.DB, userID string) (*domain.OnetimeGrant, error) {
	var item domain.OnetimeGrant
	err := db.WithContext(ctx).Raw(
		`SELECT id, user_id, order_ref, total_credits, used_credits, created_at, updated_at
		 FROM onetime_grants
		 WHERE user_id = ?
		 LIMIT 1`,
		userID,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) FindGrant(ctx context.Context, db *gorm.DB, ref domain.GrantRef) (*domain.Grant, error) {
	table, err := tableFor(ref.Kind)
	if err != nil {
		return nil, err
	}

	var row grantRow
	err = db.WithContext(ctx).Raw(
		`SELECT id, user_id, total_credits, used_credits FROM `+table+` WHERE id = ? LIMIT 1`,
		ref.ID,
	).Scan(&row).Error
	if err != nil {
		return nil, err
	}
	if row.ID == 0 {
		return nil, nil
	}
	grant := row.view(ref.Kind)
	return &grant, nil
}

func (r *repo) CreateSubscriptionGrant(ctx context.Context, db *gorm.DB, grant *domain.SubscriptionGrant) error {
	res := db.WithContext(ctx).Exec(
		`INSERT INTO subscription_grants (
			id, user_id, subscription_id, order_ref, total_credits, used_credits, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (subscription_id) DO NOTHING`,
		grant.ID,
		grant.UserID,
		grant.SubscriptionID,
		grant.OrderRef,
		grant.TotalCredits,
		grant.UsedCredits,
		grant.CreatedAt,
		grant.UpdatedAt,
	)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrDuplicateGrant
	}
	return nil
}

func (r *repo) UpsertOnetimeGrant(ctx context.Context, db *gorm.DB, grant *domain.OnetimeGrant) (*domain.OnetimeGrant, error) {
	err := db.WithContext(ctx).Exec(
		`INSERT INTO onetime_grants (
			id, user_id, order_ref, total_credits, used_credits, created_at, updated_at
		) VALUES (?, ?, ?, ?, 0, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET
			total_credits = onetime_grants.total_credits + excluded.total_credits,
			order_ref = excluded.order_ref,
			updated_at = excluded.updated_at`,
		grant.ID,
		grant.UserID,
		grant.OrderRef,
		grant.TotalCredits,
		grant.CreatedAt,
		grant.UpdatedAt,
	).Error
	if err != nil {
		return nil, err
	}
	return r.FindOnetimeGrant(ctx, db, grant.UserID)
}

func (r *repo) IncrementUsed(ctx context.Context, db *gorm.DB, ref domain.GrantRef, amount int64, at time.Time) (*domain.Grant, error) {
	if ref.IsZero() {
		return nil, domain.ErrInvalidGrantRef
	}
	if amount <= 0 {
		return nil, domain.ErrInvalidAmount
	}
	table, err := tableFor(ref.Kind)
	if err != nil {
		return nil, err
	}

	// bounds check and increment are one statement so concurrent debits cannot overdraw
	res := db.WithContext(ctx).Exec(
		`UPDATE `+table+`
		 SET used_credits = used_credits + ?,
		     updated_at = ?
		 WHERE id = ? AND used_credits + ? <= total_credits`,
		amount,
		at,
		ref.ID,
		amount,
	)
	if res.Error != nil {
		return nil, res.Error
	}

	grant, err := r.FindGrant(ctx, db, ref)
	if err != nil {
		return nil, err
	}
	if grant == nil {
		return nil, domain.ErrGrantNotFound
	}
	if res.RowsAffected == 0 {
		return nil, domain.ErrInsufficientCredits
	}
	return grant, nil
}

func (r *repo) FindLatestValidSubscription(ctx context.Context, db *gorm.DB, userID string, now time.Time) (*domain.Subscription, error) {
	var item domain.Subscription
	err := db.WithContext(ctx).Raw(
		`SELECT id, user_id, product_id, status, provider, order_ref, start_time, expire_time, created_at
		 FROM subscriptions
		 WHERE user_id = ? AND status = ? AND expire_time > ?
		 ORDER BY expire_time DESC
		 LIMIT 1`,
		userID,
		domain.SubscriptionStatusActive,
		now,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) InsertSubscription(ctx context.Context, db *gorm.DB, sub *domain.Subscription) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`INSERT INTO subscriptions (
			id, user_id, product_id, status, provider, order_ref, start_time, expire_time, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (provider, order_ref) DO NOTHING`,
		sub.ID,
		sub.UserID,
		sub.ProductID,
		sub.Status,
		sub.Provider,
		sub.OrderRef,
		sub.StartTime,
		sub.ExpireTime,
		sub.CreatedAt,
	)
	if res.Error != nil {
		// a collision on any other unique key still means the row exists
		if dbpkg.IsDuplicateKeyErr(res.Error) {
			return false, nil
		}
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) ListSubscriptionGrants(ctx context.Context, db *gorm.DB, userID string) ([]domain.SubscriptionGrantWithCycle, error) {
	var rows []domain.SubscriptionGrantWithCycle
	err := db.WithContext(ctx).Raw(
		`SELECT g.id, g.user_id, g.subscription_id, g.order_ref, g.total_credits,
			g.used_credits, g.created_at, g.updated_at,
			s.product_id, s.status, s.start_time, s.expire_time
		 FROM subscription_grants g
		 JOIN subscriptions s ON s.id = g.subscription_id
		 WHERE g.user_id = ?
		 ORDER BY s.start_time DESC`,
		userID,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// ListGrantsForReconciliation pages grants of one kind with their usage sums. Both come from
// the same statement so a debit committing mid-scan cannot show up as drift.
func (r *repo) ListGrantsForReconciliation(ctx context.Context, db *gorm.DB, kind domain.Kind, afterID snowflake.ID, limit int) ([]domain.GrantUsage, error) {
	table, err := tableFor(kind)
	if err != nil {
		return nil, err
	}
	column, err := usageColumnFor(kind)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}

	var rows []grantUsageRow
	err = db.WithContext(ctx).Raw(
		`SELECT g.id, g.user_id, g.total_credits, g.used_credits,
			COALESCE((SELECT SUM(u.amount) FROM usage_records u WHERE u.`+column+` = g.id), 0) AS usage_sum
		 FROM `+table+` g
		 WHERE g.id > ?
		 ORDER BY g.id ASC
		 LIMIT ?`,
		afterID,
		limit,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	out := make([]domain.GrantUsage, 0, len(rows))
	for _, row := range rows {
		out = append(out, domain.GrantUsage{Grant: row.view(kind), UsageSum: row.UsageSum})
	}
	return out, nil
}

type grantUsageRow struct {
	grantRow
	UsageSum int64
}

type grantRow struct {
	ID           snowflake.ID
	UserID       string
	TotalCredits int64
	UsedCredits  int64
}

func (r grantRow) view(kind domain.Kind) domain.Grant {
	return domain.Grant{
		Ref:          domain.GrantRef{Kind: kind, ID: r.ID},
		UserID:       r.UserID,
		TotalCredits: r.TotalCredits,
		UsedCredits:  r.UsedCredits,
	}
}

func usageColumnFor(kind domain.Kind) (string, error) {
	switch kind {
	case domain.KindSubscription:
		return "subscription_grant_id", nil
	case domain.KindOnetime:
		return "onetime_grant_id", nil
	default:
		return "", domain.ErrInvalidGrantRef
	}
}

func tableFor(kind domain.Kind) (string, error) {
	switch kind {
	case domain.KindSubscription:
		return "subscription_grants", nil
	case domain.KindOnetime:
		return "onetime_grants", nil
	default:
		return "", domain.ErrInvalidGrantRef
	}
}
