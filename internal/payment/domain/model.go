// Package domain holds the payment webhook contract and the payment history store.
package domain

import (
	"context"
	"errors"
	"net/http"
	"net/url"

	"github.com/bwmarrin/snowflake"
	grantdomain "github.com/smallbiznis/tokenvault/internal/grant/domain"
	ledgerdomain "github.com/smallbiznis/tokenvault/internal/ledger/domain"
	"github.com/smallbiznis/tokenvault/pkg/db/pagination"
	"gorm.io/gorm"
)

const (
	ProviderStripe = "stripe"
	ProviderZPay   = "zpay"
	ProviderYiPay  = "yipay"
)

// WebhookRequest is the raw notification as received; adapters verify and parse it.
// Form-encoded providers deliver their fields in Query (GET) or the parsed body (POST).
type WebhookRequest struct {
	Method  string
	Query   url.Values
	Headers http.Header
	Body    []byte
}

// WebhookResult tells the transport what to answer the provider.
type WebhookResult struct {
	Ack       string                `json:"-"`
	Duplicate bool                  `json:"duplicate"`
	Ignored   bool                  `json:"ignored"`
	Grant     *grantdomain.GrantRef `json:"grant,omitempty"`
	Credits   int64                 `json:"credits"`
}

// PriceChecker rejects amounts that differ from the catalog price of productID.
type PriceChecker func(ctx context.Context, productID string, amount string) error

// AdapterConfig carries the provider credentials an adapter needs.
type AdapterConfig struct {
	WebhookSecret string
	PID           string
	Key           string
	PublicKey     string
	PrivateKey    string
	CheckPrice    PriceChecker

	// QueryURL and HTTPClient reach the gateway's order query API.
	// Orders replaces that API entirely when set.
	QueryURL   string
	HTTPClient *http.Client
	Orders     OrderQuerier
}

// OrderStatus is the gateway's own record of an order.
type OrderStatus struct {
	OrderRef string
	TradeNo  string
	Money    string
	Paid     bool
}

// OrderQuerier asks the gateway about an order before a notification for it is credited.
type OrderQuerier interface {
	QueryOrder(ctx context.Context, orderRef string) (*OrderStatus, error)
}

type AdapterFactory interface {
	Provider() string
	NewAdapter(cfg AdapterConfig) (PaymentAdapter, error)
}

// PaymentAdapter verifies a provider notification and normalizes it into a confirmation.
// Parse must only be called after Verify succeeded.
type PaymentAdapter interface {
	Verify(ctx context.Context, req WebhookRequest) error
	Parse(ctx context.Context, req WebhookRequest) (*ledgerdomain.PaymentConfirmation, error)
}

// Acknowledger is implemented by adapters whose provider expects a fixed plain-text answer.
type Acknowledger interface {
	Ack() string
}

// WebhookService is the entry point for provider notifications.
type WebhookService interface {
	Ingest(ctx context.Context, provider string, req WebhookRequest) (*WebhookResult, error)
}

// HistoryService lists a user's payments.
type HistoryService interface {
	ListPayments(ctx context.Context, userID string, page pagination.Pagination) (*ListPaymentsResponse, error)
}

// Repository persists payment history rows. The ledger inserts them inside the issuance transaction.
type Repository interface {
	InsertRecord(ctx context.Context, db *gorm.DB, record *ledgerdomain.PaymentRecord) (bool, error)
	FindRecord(ctx context.Context, db *gorm.DB, provider, orderRef string) (*ledgerdomain.PaymentRecord, error)
	AttachGrant(ctx context.Context, db *gorm.DB, id snowflake.ID, ref grantdomain.GrantRef) error
	ListByUser(ctx context.Context, db *gorm.DB, userID string, page pagination.Pagination) ([]ledgerdomain.PaymentRecord, pagination.PageInfo, error)
}

type ListPaymentsResponse struct {
	pagination.PageInfo
	Payments []ledgerdomain.PaymentRecord `json:"payments"`
}

var (
	ErrInvalidSignature      = errors.New("invalid_signature")
	ErrInvalidPayload        = errors.New("invalid_payload")
	ErrInvalidEvent          = errors.New("invalid_event")
	ErrEventIgnored          = errors.New("event_ignored")
	ErrAmountMismatch        = errors.New("amount_mismatch")
	ErrProviderNotFound      = errors.New("provider_not_found")
	ErrProviderNotConfigured = errors.New("provider_not_configured")
	ErrInvalidUser           = errors.New("invalid_user")
	ErrInvalidConfig         = errors.New("invalid_config")
	ErrTradeNotSuccessful    = errors.New("trade_not_successful")
	ErrOrderQueryFailed      = errors.New("order_query_failed")
)
