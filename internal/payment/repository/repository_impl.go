package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	grantdomain "github.com/smallbiznis/tokenvault/internal/grant/domain"
	ledgerdomain "github.com/smallbiznis/tokenvault/internal/ledger/domain"
	"github.com/smallbiznis/tokenvault/internal/payment/domain"
	"github.com/smallbiznis/tokenvault/pkg/db/pagination"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) FindRecord(ctx context.Context, db *gorm.DB, provider, orderRef string) (*ledgerdomain.PaymentRecord, error) {
	var item ledgerdomain.PaymentRecord
	err := db.WithContext(ctx).Raw(
		`SELECT id, user_id, product_id, product_name, mode, provider, order_ref,
			amount, currency, status, grant_kind, grant_id, meta, created_at
		 FROM payment_records
		 WHERE provider = ? AND order_ref = ?
		 LIMIT 1`,
		provider,
		orderRef,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

// InsertRecord reports false when (provider, order_ref) was already recorded.
func (r *repo) InsertRecord(ctx context.Context, db *gorm.DB, record *ledgerdomain.PaymentRecord) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`INSERT INTO payment_records (
			id, user_id, product_id, product_name, mode, provider, order_ref,
			amount, currency, status, grant_kind, grant_id, meta, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (provider, order_ref) DO NOTHING`,
		record.ID,
		record.UserID,
		record.ProductID,
		record.ProductName,
		record.Mode,
		record.Provider,
		record.OrderRef,
		record.Amount,
		record.Currency,
		record.Status,
		record.GrantKind,
		record.GrantID,
		record.Meta,
		record.CreatedAt,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) AttachGrant(ctx context.Context, db *gorm.DB, id snowflake.ID, ref grantdomain.GrantRef) error {
	return db.WithContext(ctx).Exec(
		`UPDATE payment_records
		 SET grant_kind = ?, grant_id = ?
		 WHERE id = ?`,
		string(ref.Kind),
		ref.ID,
		id,
	).Error
}

func (r *repo) ListByUser(ctx context.Context, db *gorm.DB, userID string, page pagination.Pagination) ([]ledgerdomain.PaymentRecord, pagination.PageInfo, error) {
	page = page.Normalize()

	var rows []ledgerdomain.PaymentRecord
	err := db.WithContext(ctx).Raw(
		`SELECT id, user_id, product_id, product_name, mode, provider, order_ref,
			amount, currency, status, grant_kind, grant_id, meta, created_at
		 FROM payment_records
		 WHERE user_id = ?
		 ORDER BY created_at DESC, id DESC
		 LIMIT ? OFFSET ?`,
		userID,
		page.Limit(),
		page.Offset(),
	).Scan(&rows).Error
	if err != nil {
		return nil, pagination.PageInfo{}, err
	}

	items, info := pagination.Trim(rows, page)
	return items, info, nil
}
