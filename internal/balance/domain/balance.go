package domain

import (
	"context"
	"errors"
	"time"

	grantdomain "github.com/smallbiznis/tokenvault/internal/grant/domain"
	"gorm.io/gorm"
)

// GrantBalance is the read view of one grant.
type GrantBalance struct {
	Ref          grantdomain.GrantRef `json:"ref"`
	TotalCredits int64                `json:"total_credits"`
	UsedCredits  int64                `json:"used_credits"`
	Remaining    int64                `json:"remaining"`
	ExpireTime   *time.Time           `json:"expire_time,omitempty"`
}

// Balance is the snapshot served to clients. It is never used for debit decisions.
type Balance struct {
	UserID       string        `json:"user_id"`
	Subscription *GrantBalance `json:"subscription,omitempty"`
	Onetime      *GrantBalance `json:"onetime,omitempty"`
	Total        int64         `json:"total"`
	AsOf         time.Time     `json:"as_of"`
}

// SubscriptionStatus describes the cycle in force now and how far prepaid renewals reach.
type SubscriptionStatus struct {
	Active     bool                                    `json:"active"`
	Current    *grantdomain.SubscriptionGrantWithCycle `json:"current,omitempty"`
	Grant      *GrantBalance                           `json:"grant,omitempty"`
	ExpireTime *time.Time                              `json:"expire_time,omitempty"`
}

type Service interface {
	HasSufficientCredits(ctx context.Context, userID string, amount int64) (bool, error)
	SelectGrantForDebit(ctx context.Context, db *gorm.DB, userID string, amount int64) (*grantdomain.Grant, error)
	HasActiveSubscription(ctx context.Context, userID string) (bool, error)
	Snapshot(ctx context.Context, userID string) (*Balance, error)
	SubscriptionStatus(ctx context.Context, userID string) (*SubscriptionStatus, error)
}

// Cache is an optional short-TTL view of balances for the read endpoint.
type Cache interface {
	Get(ctx context.Context, userID string) (*Balance, bool, error)
	Set(ctx context.Context, balance *Balance) error
	Invalidate(ctx context.Context, userID string) error
}

var (
	ErrInvalidUser         = errors.New("invalid_user")
	ErrInvalidAmount       = errors.New("invalid_amount")
	ErrNoCreditsAvailable  = errors.New("no_credits_available")
	ErrInsufficientCredits = grantdomain.ErrInsufficientCredits
)
