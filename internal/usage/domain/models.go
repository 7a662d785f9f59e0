// Package domain contains the append-only usage history log.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	grantdomain "github.com/smallbiznis/tokenvault/internal/grant/domain"
)

// UsageRecord is written once per successful debit and never changed afterwards.
type UsageRecord struct {
	ID                  snowflake.ID  `json:"id" gorm:"primaryKey"`
	UserID              string        `json:"user_id" gorm:"type:text;not null;index:ix_usage_records_user_created,priority:1"`
	SubscriptionGrantID *snowflake.ID `json:"subscription_grant_id,omitempty" gorm:"index;check:chk_usage_records_one_grant,(subscription_grant_id IS NULL) <> (onetime_grant_id IS NULL)"`
	OnetimeGrantID      *snowflake.ID `json:"onetime_grant_id,omitempty" gorm:"index"`
	Amount              int64         `json:"amount" gorm:"not null;check:amount > 0"`
	Capability          string        `json:"capability" gorm:"type:text;not null"`
	SessionID           string        `json:"session_id,omitempty" gorm:"type:text"`
	CreatedAt           time.Time     `json:"created_at" gorm:"not null;index:ix_usage_records_user_created,priority:2"`
}

// TableName sets the database table name.
func (UsageRecord) TableName() string { return "usage_records" }

// GrantRef reports which grant the record was drawn from.
func (r UsageRecord) GrantRef() grantdomain.GrantRef {
	if r.SubscriptionGrantID != nil {
		return grantdomain.GrantRef{Kind: grantdomain.KindSubscription, ID: *r.SubscriptionGrantID}
	}
	if r.OnetimeGrantID != nil {
		return grantdomain.GrantRef{Kind: grantdomain.KindOnetime, ID: *r.OnetimeGrantID}
	}
	return grantdomain.GrantRef{}
}

// SetGrantRef points the record at exactly one grant.
func (r *UsageRecord) SetGrantRef(ref grantdomain.GrantRef) {
	id := ref.ID
	r.SubscriptionGrantID = nil
	r.OnetimeGrantID = nil
	switch ref.Kind {
	case grantdomain.KindSubscription:
		r.SubscriptionGrantID = &id
	case grantdomain.KindOnetime:
		r.OnetimeGrantID = &id
	}
}
