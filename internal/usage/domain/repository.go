package domain

import (
	"context"
	"errors"

	grantdomain "github.com/smallbiznis/tokenvault/internal/grant/domain"
	"github.com/smallbiznis/tokenvault/pkg/db/pagination"
	"gorm.io/gorm"
)

type Repository interface {
	Append(ctx context.Context, db *gorm.DB, record *UsageRecord) error
	List(ctx context.Context, db *gorm.DB, userID string, page pagination.Pagination) ([]UsageRecord, pagination.PageInfo, error)
	SumByGrant(ctx context.Context, db *gorm.DB, ref grantdomain.GrantRef) (int64, error)
	CountByGrant(ctx context.Context, db *gorm.DB, ref grantdomain.GrantRef) (int64, error)
}

// Service serves the read side of the usage log; writes go through the ledger.
type Service interface {
	ListUsage(ctx context.Context, userID string, page pagination.Pagination) (*ListUsageResponse, error)
}

type ListUsageResponse struct {
	pagination.PageInfo
	UsageRecords []UsageRecord `json:"usage_records"`
}

var (
	ErrInvalidUser        = errors.New("invalid_user")
	ErrInvalidRecord      = errors.New("invalid_usage_record")
	ErrInvalidGrantRef    = errors.New("invalid_grant_ref")
	ErrInvalidAmount      = errors.New("invalid_amount")
	ErrInvalidCapability  = errors.New("invalid_capability")
	ErrStorageUnavailable = errors.New("storage_unavailable")
)
