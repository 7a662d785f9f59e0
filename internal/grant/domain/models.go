// Package domain contains the credit grant models and their persistence contract.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// Kind identifies which grant table a reference points into.
type Kind string

const (
	KindSubscription Kind = "subscription"
	KindOnetime      Kind = "onetime"
)

const SubscriptionStatusActive = "active"

// Subscription is one paid billing cycle. Renewals chain new rows after the previous expiry.
type Subscription struct {
	ID         snowflake.ID `json:"id" gorm:"primaryKey"`
	UserID     string       `json:"user_id" gorm:"type:text;not null;index"`
	ProductID  string       `json:"product_id" gorm:"type:text;not null"`
	Status     string       `json:"status" gorm:"type:text;not null"`
	Provider   string       `json:"provider" gorm:"type:text;not null;uniqueIndex:ux_subscriptions_provider_order_ref,priority:1"`
	OrderRef   string       `json:"order_ref" gorm:"type:text;not null;uniqueIndex:ux_subscriptions_provider_order_ref,priority:2"`
	StartTime  time.Time    `json:"start_time" gorm:"not null"`
	ExpireTime time.Time    `json:"expire_time" gorm:"not null;index"`
	CreatedAt  time.Time    `json:"created_at" gorm:"not null"`
}

// TableName sets the database table name.
func (Subscription) TableName() string { return "subscriptions" }

// SubscriptionGrant is the credit pool attached to exactly one subscription cycle.
type SubscriptionGrant struct {
	ID             snowflake.ID `json:"id" gorm:"primaryKey"`
	UserID         string       `json:"user_id" gorm:"type:text;not null;index"`
	SubscriptionID snowflake.ID `json:"subscription_id" gorm:"not null;uniqueIndex:ux_subscription_grants_subscription_id"`
	OrderRef       string       `json:"order_ref" gorm:"type:text;not null;index:ix_subscription_grants_order_ref"`
	TotalCredits   int64        `json:"total_credits" gorm:"not null;check:total_credits >= 0"`
	UsedCredits    int64        `json:"used_credits" gorm:"not null;default:0;check:chk_subscription_grants_used,used_credits >= 0 AND used_credits <= total_credits"`
	CreatedAt      time.Time    `json:"created_at" gorm:"not null"`
	UpdatedAt      time.Time    `json:"updated_at" gorm:"not null"`
}

// TableName sets the database table name.
func (SubscriptionGrant) TableName() string { return "subscription_grants" }

func (g SubscriptionGrant) Ref() GrantRef {
	return GrantRef{Kind: KindSubscription, ID: g.ID}
}

// OnetimeGrant accumulates every top-up a user buys; there is at most one per user.
type OnetimeGrant struct {
	ID           snowflake.ID `json:"id" gorm:"primaryKey"`
	UserID       string       `json:"user_id" gorm:"type:text;not null;uniqueIndex:ux_onetime_grants_user_id"`
	OrderRef     string       `json:"order_ref" gorm:"type:text;not null"`
	TotalCredits int64        `json:"total_credits" gorm:"not null;check:total_credits >= 0"`
	UsedCredits  int64        `json:"used_credits" gorm:"not null;default:0;check:chk_onetime_grants_used,used_credits >= 0 AND used_credits <= total_credits"`
	CreatedAt    time.Time    `json:"created_at" gorm:"not null"`
	UpdatedAt    time.Time    `json:"updated_at" gorm:"not null"`
}

// TableName sets the database table name.
func (OnetimeGrant) TableName() string { return "onetime_grants" }

func (g OnetimeGrant) Ref() GrantRef {
	return GrantRef{Kind: KindOnetime, ID: g.ID}
}

// GrantRef points at one row in either grant table.
type GrantRef struct {
	Kind Kind         `json:"kind"`
	ID   snowflake.ID `json:"id"`
}

func (r GrantRef) IsZero() bool {
	return r.ID == 0 || r.Kind == ""
}

// Grant is the kind-agnostic view used by balance resolution and reconciliation.
type Grant struct {
	Ref          GrantRef `json:"ref"`
	UserID       string   `json:"user_id"`
	TotalCredits int64    `json:"total_credits"`
	UsedCredits  int64    `json:"used_credits"`
}

func (g SubscriptionGrant) View() Grant {
	return Grant{Ref: g.Ref(), UserID: g.UserID, TotalCredits: g.TotalCredits, UsedCredits: g.UsedCredits}
}

func (g OnetimeGrant) View() Grant {
	return Grant{Ref: g.Ref(), UserID: g.UserID, TotalCredits: g.TotalCredits, UsedCredits: g.UsedCredits}
}

// Remaining never reports a negative balance even for a corrupted row.
func Remaining(total, used int64) int64 {
	if used >= total {
		return 0
	}
	return total - used
}

func (g Grant) Remaining() int64 {
	return Remaining(g.TotalCredits, g.UsedCredits)
}

// GrantUsage pairs a grant with the usage logged against it, read in one statement.
type GrantUsage struct {
	Grant
	UsageSum int64 `json:"usage_sum"`
}

// SubscriptionGrantWithCycle joins a grant with the window of its cycle.
type SubscriptionGrantWithCycle struct {
	SubscriptionGrant
	ProductID  string    `json:"product_id"`
	Status     string    `json:"status"`
	StartTime  time.Time `json:"start_time"`
	ExpireTime time.Time `json:"expire_time"`
}
