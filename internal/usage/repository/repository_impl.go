package repository

import (
	"context"
	"fmt"
	"strings"

	grantdomain "github.com/smallbiznis/tokenvault/internal/grant/domain"
	"github.com/smallbiznis/tokenvault/internal/usage/domain"
	"github.com/smallbiznis/tokenvault/pkg/db/pagination"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

// Append is a pure insert; callers pair it with the grant increment in one transaction.
func (r *repo) Append(ctx context.Context, db *gorm.DB, record *domain.UsageRecord) error {
	if err := validateRecord(record); err != nil {
		return err
	}

	err := db.WithContext(ctx).Exec(
		`INSERT INTO usage_records (
			id, user_id, subscription_grant_id, onetime_grant_id, amount, capability, session_id, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		record.ID,
		record.UserID,
		record.SubscriptionGrantID,
		record.OnetimeGrantID,
		record.Amount,
		record.Capability,
		record.SessionID,
		record.CreatedAt,
	).Error
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrStorageUnavailable, err)
	}
	return nil
}

func (r *repo) List(ctx context.Context, db *gorm.DB, userID string, page pagination.Pagination) ([]domain.UsageRecord, pagination.PageInfo, error) {
	page = page.Normalize()

	var rows []domain.UsageRecord
	err := db.WithContext(ctx).Raw(
		`SELECT id, user_id, subscription_grant_id, onetime_grant_id, amount, capability, session_id, created_at
		 FROM usage_records
		 WHERE user_id = ?
		 ORDER BY created_at DESC, id DESC
		 LIMIT ? OFFSET ?`,
		userID,
		page.Limit(),
		page.Offset(),
	).Scan(&rows).Error
	if err != nil {
		return nil, pagination.PageInfo{}, fmt.Errorf("%w: %v", domain.ErrStorageUnavailable, err)
	}

	items, info := pagination.Trim(rows, page)
	return items, info, nil
}

func (r *repo) SumByGrant(ctx context.Context, db *gorm.DB, ref grantdomain.GrantRef) (int64, error) {
	column, err := columnFor(ref)
	if err != nil {
		return 0, err
	}

	var total int64
	err = db.WithContext(ctx).Raw(
		`SELECT COALESCE(SUM(amount), 0) FROM usage_records WHERE `+column+` = ?`,
		ref.ID,
	).Scan(&total).Error
	if err != nil {
		return 0, fmt.Errorf("%w: %v", domain.ErrStorageUnavailable, err)
	}
	return total, nil
}

func (r *repo) CountByGrant(ctx context.Context, db *gorm.DB, ref grantdomain.GrantRef) (int64, error) {
	column, err := columnFor(ref)
	if err != nil {
		return 0, err
	}

	var count int64
	err = db.WithContext(ctx).Raw(
		`SELECT COUNT(*) FROM usage_records WHERE `+column+` = ?`,
		ref.ID,
	).Scan(&count).Error
	if err != nil {
		return 0, fmt.Errorf("%w: %v", domain.ErrStorageUnavailable, err)
	}
	return count, nil
}

func validateRecord(record *domain.UsageRecord) error {
	if record == nil || record.ID == 0 || strings.TrimSpace(record.UserID) == "" || record.CreatedAt.IsZero() {
		return domain.ErrInvalidRecord
	}
	if (record.SubscriptionGrantID == nil) == (record.OnetimeGrantID == nil) {
		return domain.ErrInvalidGrantRef
	}
	if record.Amount <= 0 {
		return domain.ErrInvalidAmount
	}
	if strings.TrimSpace(record.Capability) == "" {
		return domain.ErrInvalidCapability
	}
	return nil
}

func columnFor(ref grantdomain.GrantRef) (string, error) {
	switch ref.Kind {
	case grantdomain.KindSubscription:
		return "subscription_grant_id", nil
	case grantdomain.KindOnetime:
		return "onetime_grant_id", nil
	default:
		return "", domain.ErrInvalidGrantRef
	}
}
