package domain

import (
	"context"
	"errors"
)

type Service interface {
	Entitlement(ctx context.Context, productID string) (*Entitlement, error)
	List(ctx context.Context) ([]Entitlement, error)
	CheckPrice(ctx context.Context, productID string, amount string) error
	App(ctx context.Context, key string) (*App, error)
	Apps(ctx context.Context) ([]App, error)
	AIEnabled(ctx context.Context) bool
}

var (
	ErrInvalidID     = errors.New("invalid_id")
	ErrNotFound      = errors.New("not_found")
	ErrAppNotFound   = errors.New("app_not_found")
	ErrInvalidAmount = errors.New("invalid_amount")
	ErrPriceMismatch = errors.New("price_mismatch")
)
