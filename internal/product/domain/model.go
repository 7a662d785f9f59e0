package domain

// Entitlement is what a purchased product grants once its payment is confirmed.
type Entitlement struct {
	ProductID        string  `json:"product_id"`
	Name             string  `json:"name"`
	Mode             string  `json:"mode"`
	Price            float64 `json:"price"`
	Currency         string  `json:"currency"`
	Credits          int64   `json:"credits"`
	SubscriptionDays int     `json:"subscription_days,omitempty"`
	AIEnabled        bool    `json:"ai_enabled"`
}

// Grants reports whether issuing this entitlement mints any credits.
func (e Entitlement) Grants() bool {
	return e.AIEnabled && e.Credits > 0
}

type App struct {
	Key           string `json:"key"`
	Name          string `json:"name"`
	Type          string `json:"type"`
	Category      string `json:"category,omitempty"`
	AccessType    string `json:"access_type"`
	EstimatedCost int64  `json:"estimated_cost"`
	APIKeyEnv     string `json:"-"`
}
