package service

import (
	"context"
	"strconv"
	"strings"

	"github.com/smallbiznis/tokenvault/internal/config"
	"github.com/smallbiznis/tokenvault/internal/product/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Catalog *config.CatalogHolder
	Log     *zap.Logger
}

// Service resolves products and apps against the live catalog snapshot.
type Service struct {
	catalog *config.CatalogHolder
	log     *zap.Logger
}

func New(p Params) domain.Service {
	return &Service{
		catalog: p.Catalog,
		log:     p.Log.Named("product.service"),
	}
}

func (s *Service) Entitlement(ctx context.Context, productID string) (*domain.Entitlement, error) {
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return nil, domain.ErrInvalidID
	}

	cat := s.catalog.Get()
	product, ok := cat.Product(productID)
	if !ok {
		return nil, domain.ErrNotFound
	}
	entitlement := toEntitlement(product, cat.AI.Enable)
	return &entitlement, nil
}

func (s *Service) List(ctx context.Context) ([]domain.Entitlement, error) {
	cat := s.catalog.Get()
	out := make([]domain.Entitlement, 0, len(cat.Products))
	for _, product := range cat.Products {
		out = append(out, toEntitlement(product, cat.AI.Enable))
	}
	return out, nil
}

// CheckPrice compares a provider-reported amount with the catalog price at cent precision.
func (s *Service) CheckPrice(ctx context.Context, productID string, amount string) error {
	entitlement, err := s.Entitlement(ctx, productID)
	if err != nil {
		return err
	}

	paid, err := strconv.ParseFloat(strings.TrimSpace(amount), 64)
	if err != nil {
		return domain.ErrInvalidAmount
	}
	if FormatAmount(paid) != FormatAmount(entitlement.Price) {
		s.log.Warn("payment amount does not match catalog price",
			zap.String("product_id", entitlement.ProductID),
			zap.String("paid", FormatAmount(paid)),
			zap.String("price", FormatAmount(entitlement.Price)),
		)
		return domain.ErrPriceMismatch
	}
	return nil
}

func (s *Service) App(ctx context.Context, key string) (*domain.App, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, domain.ErrAppNotFound
	}
	app, ok := s.catalog.Get().App(key)
	if !ok {
		return nil, domain.ErrAppNotFound
	}
	out := toApp(app)
	return &out, nil
}

func (s *Service) Apps(ctx context.Context) ([]domain.App, error) {
	cat := s.catalog.Get()
	if !cat.AI.Enable {
		return []domain.App{}, nil
	}
	out := make([]domain.App, 0, len(cat.AI.Apps))
	for _, app := range cat.AI.Apps {
		out = append(out, toApp(app))
	}
	return out, nil
}

func (s *Service) AIEnabled(ctx context.Context) bool {
	return s.catalog.Get().AI.Enable
}

// FormatAmount renders an amount with two decimals, the precision gateways report.
func FormatAmount(amount float64) string {
	return strconv.FormatFloat(amount, 'f', 2, 64)
}

func toEntitlement(product config.Product, aiEnabled bool) domain.Entitlement {
	return domain.Entitlement{
		ProductID:        product.ID,
		Name:             product.Name,
		Mode:             product.Mode,
		Price:            product.Price,
		Currency:         product.Currency,
		Credits:          product.Credits,
		SubscriptionDays: product.SubscriptionDays,
		AIEnabled:        aiEnabled,
	}
}

func toApp(app config.AIApp) domain.App {
	return domain.App{
		Key:           app.Key,
		Name:          app.Name,
		Type:          app.Type,
		Category:      app.Category,
		AccessType:    app.AccessType,
		EstimatedCost: app.EstimatedCost,
		APIKeyEnv:     app.APIKeyEnv,
	}
}
