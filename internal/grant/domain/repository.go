package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Repository methods take the handle to run on so callers can pass a transaction.
type Repository interface {
	FindActiveSubscriptionGrant(ctx context.Context, db *gorm.DB, userID string, now time.Time) (*SubscriptionGrant, error)
	FindOnetimeGrant(ctx context.Context, db *gorm.DB, userID string) (*OnetimeGrant, error)
	FindGrant(ctx context.Context, db *gorm.DB, ref GrantRef) (*Grant, error)

	CreateSubscriptionGrant(ctx context.Context, db *gorm.DB, grant *SubscriptionGrant) error
	UpsertOnetimeGrant(ctx context.Context, db *gorm.DB, grant *OnetimeGrant) (*OnetimeGrant, error)
	IncrementUsed(ctx context.Context, db *gorm.DB, ref GrantRef, amount int64, at time.Time) (*Grant, error)

	FindLatestValidSubscription(ctx context.Context, db *gorm.DB, userID string, now time.Time) (*Subscription, error)
	InsertSubscription(ctx context.Context, db *gorm.DB, sub *Subscription) (bool, error)
	ListSubscriptionGrants(ctx context.Context, db *gorm.DB, userID string) ([]SubscriptionGrantWithCycle, error)
	ListGrantsForReconciliation(ctx context.Context, db *gorm.DB, kind Kind, afterID snowflake.ID, limit int) ([]GrantUsage, error)
}

var (
	ErrDuplicateGrant      = errors.New("duplicate_grant")
	ErrGrantNotFound       = errors.New("grant_not_found")
	ErrInsufficientCredits = errors.New("insufficient_credits")
	ErrInvalidUser         = errors.New("invalid_user")
	ErrInvalidAmount       = errors.New("invalid_amount")
	ErrInvalidOrderRef     = errors.New("invalid_order_ref")
	ErrInvalidGrantRef     = errors.New("invalid_grant_ref")
)
