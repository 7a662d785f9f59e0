package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	grantdomain "github.com/smallbiznis/tokenvault/internal/grant/domain"
	"gorm.io/datatypes"
)

// Mode is how a purchased product entitles credits.
type Mode string

const (
	ModeSubscription Mode = "subscription"
	ModeOneTime      Mode = "one_time"
)

const PaymentStatusSuccess = "success"

// PaymentConfirmation is the normalized "payment confirmed" event every provider adapter produces.
type PaymentConfirmation struct {
	Provider   string
	OrderRef   string
	UserID     string
	ProductID  string
	Mode       Mode
	Amount     float64
	Currency   string
	OccurredAt time.Time
	Meta       map[string]any
}

// PaymentRecord is the payment history row. Its (provider, order_ref) unique index is the issuance idempotency key.
type PaymentRecord struct {
	ID          snowflake.ID   `json:"id" gorm:"primaryKey"`
	UserID      string         `json:"user_id" gorm:"type:text;not null;index"`
	ProductID   string         `json:"product_id" gorm:"type:text;not null"`
	ProductName string         `json:"product_name" gorm:"type:text;not null"`
	Mode        string         `json:"mode" gorm:"type:text;not null"`
	Provider    string         `json:"provider" gorm:"type:text;not null;uniqueIndex:ux_payment_records_provider_order_ref,priority:1"`
	OrderRef    string         `json:"order_ref" gorm:"type:text;not null;uniqueIndex:ux_payment_records_provider_order_ref,priority:2"`
	Amount      float64        `json:"amount" gorm:"not null"`
	Currency    string         `json:"currency" gorm:"type:text;not null"`
	Status      string         `json:"status" gorm:"type:text;not null"`
	GrantKind   *string        `json:"grant_kind,omitempty" gorm:"type:text"`
	GrantID     *snowflake.ID  `json:"grant_id,omitempty"`
	Meta        datatypes.JSON `json:"meta,omitempty"`
	CreatedAt   time.Time      `json:"created_at" gorm:"not null"`
}

// TableName sets the database table name.
func (PaymentRecord) TableName() string { return "payment_records" }

// IssueResult describes what an issuance call minted, or what a redelivery found.
type IssueResult struct {
	Record       PaymentRecord             `json:"record"`
	Duplicate    bool                      `json:"duplicate"`
	Grant        *grantdomain.GrantRef     `json:"grant,omitempty"`
	Credits      int64                     `json:"credits"`
	Subscription *grantdomain.Subscription `json:"subscription,omitempty"`
}

type DebitRequest struct {
	UserID     string
	Amount     int64
	Capability string
	SessionID  string
}

type DebitResult struct {
	Charged   bool                 `json:"charged"`
	Grant     grantdomain.GrantRef `json:"grant"`
	Amount    int64                `json:"amount"`
	Remaining int64                `json:"remaining"`
	UsageID   snowflake.ID         `json:"usage_id,omitempty"`
}
