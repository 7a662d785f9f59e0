package domain

import (
	"context"
	"errors"

	grantdomain "github.com/smallbiznis/tokenvault/internal/grant/domain"
)

// Service is the only writer of grant rows.
type Service interface {
	IssueGrant(ctx context.Context, confirmation PaymentConfirmation) (*IssueResult, error)
	Debit(ctx context.Context, req DebitRequest) (*DebitResult, error)
	HasSufficientCredits(ctx context.Context, userID string, amount int64) (bool, error)
}

var (
	ErrDuplicateEvent      = errors.New("duplicate_event")
	ErrInvalidProvider     = errors.New("invalid_provider")
	ErrInvalidOrderRef     = errors.New("invalid_order_ref")
	ErrInvalidUser         = errors.New("invalid_user")
	ErrInvalidProduct      = errors.New("invalid_product")
	ErrInvalidMode         = errors.New("invalid_mode")
	ErrModeMismatch        = errors.New("mode_mismatch")
	ErrInvalidAmount       = errors.New("invalid_amount")
	ErrInvalidCapability   = errors.New("invalid_capability")
	ErrProductNotFound     = errors.New("product_not_found")
	ErrStorageUnavailable  = errors.New("storage_unavailable")
	ErrInsufficientCredits = grantdomain.ErrInsufficientCredits
)
