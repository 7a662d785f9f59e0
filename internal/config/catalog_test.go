package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestDefaultCatalogIsValid(t *testing.T) {
	require.NoError(t, ValidateCatalog(DefaultCatalog()))
}

func TestNewCatalogHolderReadsFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "catalog.yml")
	content := `
ai:
  enable: true
  apps:
    - key: essay
      name: Essay Review
      type: chat
      api_key_env: DIFY_API_KEY_ESSAY
      access_type: points
      estimated_cost: 5
products:
  - id: monthly
    name: Monthly
    mode: subscription
    price: 9.9
    currency: CNY
    credits: 1000
    subscription_days: 30
  - id: topup
    name: Top-up
    mode: one_time
    price: 3
    currency: CNY
    credits: 3000
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	t.Setenv("CATALOG_FILE", path)

	holder, err := NewCatalogHolder(zap.NewNop())
	require.NoError(t, err)

	cat := holder.Get()
	assert.True(t, cat.AI.Enable)
	require.Len(t, cat.Products, 2)

	monthly, ok := cat.Product("monthly")
	require.True(t, ok)
	assert.Equal(t, int64(1000), monthly.Credits)
	assert.Equal(t, 30, monthly.SubscriptionDays)

	app, ok := cat.App("essay")
	require.True(t, ok)
	assert.Equal(t, AccessPoints, app.AccessType)
	assert.Equal(t, int64(5), app.EstimatedCost)
}

func TestValidateCatalogRejectsBrokenEntries(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Catalog)
	}{
		{
			name: "subscription without duration",
			mutate: func(c *Catalog) {
				c.Products[0].SubscriptionDays = 0
			},
		},
		{
			name: "unknown mode",
			mutate: func(c *Catalog) {
				c.Products[0].Mode = "lifetime"
			},
		},
		{
			name: "duplicate product",
			mutate: func(c *Catalog) {
				c.Products = append(c.Products, c.Products[0])
			},
		},
		{
			name: "unknown access type",
			mutate: func(c *Catalog) {
				c.AI.Apps[0].AccessType = "gold"
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cat := DefaultCatalog()
			tt.mutate(&cat)
			assert.Error(t, ValidateCatalog(cat))
		})
	}
}
