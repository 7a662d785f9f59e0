package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	ProductModeSubscription = "subscription"
	ProductModeOneTime      = "one_time"

	AccessFree   = "free"
	AccessVIP    = "vip"
	AccessPoints = "points"
)

// Catalog describes the sellable products and the AI apps they unlock.
type Catalog struct {
	AI       AIConfig  `mapstructure:"ai"`
	Products []Product `mapstructure:"products" validate:"required,min=1,dive"`
}

type AIConfig struct {
	Enable bool    `mapstructure:"enable"`
	Apps   []AIApp `mapstructure:"apps" validate:"dive"`
}

type Product struct {
	ID               string  `mapstructure:"id" validate:"required"`
	Name             string  `mapstructure:"name" validate:"required"`
	Mode             string  `mapstructure:"mode" validate:"required,oneof=subscription one_time"`
	Price            float64 `mapstructure:"price" validate:"gte=0"`
	Currency         string  `mapstructure:"currency" validate:"required"`
	Credits          int64   `mapstructure:"credits" validate:"gte=0"`
	SubscriptionDays int     `mapstructure:"subscription_days" validate:"gte=0"`
}

type AIApp struct {
	Key           string `mapstructure:"key" validate:"required"`
	Name          string `mapstructure:"name" validate:"required"`
	Type          string `mapstructure:"type" validate:"required,oneof=chat completion workflow"`
	Category      string `mapstructure:"category"`
	APIKeyEnv     string `mapstructure:"api_key_env" validate:"required"`
	AccessType    string `mapstructure:"access_type" validate:"required,oneof=free vip points"`
	EstimatedCost int64  `mapstructure:"estimated_cost" validate:"gte=0"`
}

func DefaultCatalog() Catalog {
	return Catalog{
		AI: AIConfig{
			Enable: true,
			Apps: []AIApp{
				{Key: "lesson-plan", Name: "Lesson Plan Designer", Type: "completion", Category: "teaching", APIKeyEnv: "DIFY_API_KEY_APP_LESSON_PLAN", AccessType: AccessVIP, EstimatedCost: 1},
				{Key: "observation", Name: "Observation Notes", Type: "chat", Category: "early-years", APIKeyEnv: "DIFY_API_KEY_APP_OBSERVATION", AccessType: AccessPoints, EstimatedCost: 1},
				{Key: "templates", Name: "Classroom Templates", Type: "chat", Category: "early-years", APIKeyEnv: "DIFY_API_KEY_APP_TEMPLATES", AccessType: AccessFree},
			},
		},
		Products: []Product{
			{ID: "basic-monthly", Name: "Basic Plan", Mode: ProductModeSubscription, Price: 0.1, Currency: "CNY", Credits: 1000, SubscriptionDays: 30},
			{ID: "pro-monthly", Name: "Pro Plan", Mode: ProductModeSubscription, Price: 0.2, Currency: "CNY", Credits: 2000, SubscriptionDays: 30},
			{ID: "ultimate-monthly", Name: "Ultimate Plan", Mode: ProductModeSubscription, Price: 0.3, Currency: "CNY", Credits: 3000, SubscriptionDays: 30},
			{ID: "basic-yearly", Name: "Basic Plan", Mode: ProductModeSubscription, Price: 1, Currency: "CNY", Credits: 12000, SubscriptionDays: 365},
			{ID: "pro-yearly", Name: "Pro Plan", Mode: ProductModeSubscription, Price: 2, Currency: "CNY", Credits: 24000, SubscriptionDays: 365},
			{ID: "ultimate-yearly", Name: "Ultimate Plan", Mode: ProductModeSubscription, Price: 3, Currency: "CNY", Credits: 36000, SubscriptionDays: 365},
			{ID: "topup", Name: "Basic One-Time", Mode: ProductModeOneTime, Price: 0.3, Currency: "CNY", Credits: 3000},
		},
	}
}

// CatalogHolder serves the current catalog and swaps it when catalog.yml changes.
type CatalogHolder struct {
	current atomic.Value // holds Catalog
}

// NewStaticCatalogHolder returns a holder that never reloads.
func NewStaticCatalogHolder(cat Catalog) *CatalogHolder {
	holder := &CatalogHolder{}
	holder.current.Store(cat)
	return holder
}

func NewCatalogHolder(log *zap.Logger) (*CatalogHolder, error) {
	if log == nil {
		log = zap.L()
	}
	log = log.Named("catalog")

	v := viper.New()
	if path := strings.TrimSpace(os.Getenv("CATALOG_FILE")); path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("catalog")
		v.SetConfigType("yml")
		v.AddConfigPath("/etc/tokenvault")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read catalog: %w", err)
		}
		log.Info("catalog file not found, using defaults")
		return NewStaticCatalogHolder(DefaultCatalog()), nil
	}

	cat, err := decodeCatalog(v)
	if err != nil {
		return nil, err
	}

	holder := NewStaticCatalogHolder(cat)

	v.OnConfigChange(func(e fsnotify.Event) {
		updated, err := decodeCatalog(v)
		if err != nil {
			log.Warn("catalog reload rejected", zap.String("file", e.Name), zap.Error(err))
			return
		}
		holder.current.Store(updated)
		log.Info("catalog reloaded", zap.String("file", e.Name), zap.Int("products", len(updated.Products)))
	})
	v.WatchConfig()

	return holder, nil
}

func (h *CatalogHolder) Get() Catalog {
	return h.current.Load().(Catalog)
}

func decodeCatalog(v *viper.Viper) (Catalog, error) {
	var cat Catalog
	if err := v.Unmarshal(&cat); err != nil {
		return Catalog{}, fmt.Errorf("decode catalog: %w", err)
	}
	if err := ValidateCatalog(cat); err != nil {
		return Catalog{}, err
	}
	return cat, nil
}

var catalogValidator = validator.New()

// ValidateCatalog checks field constraints plus the cross-field rules validator tags cannot express.
func ValidateCatalog(cat Catalog) error {
	if err := catalogValidator.Struct(cat); err != nil {
		return fmt.Errorf("invalid catalog: %w", err)
	}

	seen := make(map[string]struct{}, len(cat.Products))
	for _, p := range cat.Products {
		if _, ok := seen[p.ID]; ok {
			return fmt.Errorf("invalid catalog: duplicate product id %q", p.ID)
		}
		seen[p.ID] = struct{}{}
		if p.Mode == ProductModeSubscription && p.SubscriptionDays <= 0 {
			return fmt.Errorf("invalid catalog: product %q needs subscription_days", p.ID)
		}
	}

	apps := make(map[string]struct{}, len(cat.AI.Apps))
	for _, app := range cat.AI.Apps {
		if _, ok := apps[app.Key]; ok {
			return fmt.Errorf("invalid catalog: duplicate app key %q", app.Key)
		}
		apps[app.Key] = struct{}{}
	}
	return nil
}

// Product looks up a product by id.
func (c Catalog) Product(id string) (Product, bool) {
	id = strings.TrimSpace(id)
	for _, p := range c.Products {
		if p.ID == id {
			return p, true
		}
	}
	return Product{}, false
}

// App looks up an AI app by key.
func (c Catalog) App(key string) (AIApp, bool) {
	key = strings.TrimSpace(key)
	for _, app := range c.AI.Apps {
		if app.Key == key {
			return app, true
		}
	}
	return AIApp{}, false
}
