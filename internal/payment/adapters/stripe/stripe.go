package stripe

import (
	"context"
	"encoding/json"
	"math"
	"strings"
	"time"

	ledgerdomain "github.com/smallbiznis/tokenvault/internal/ledger/domain"
	paymentdomain "github.com/smallbiznis/tokenvault/internal/payment/domain"
	stripego "github.com/stripe/stripe-go/v83"
	"github.com/stripe/stripe-go/v83/webhook"
)

const (
	eventCheckoutCompleted = "checkout.session.completed"
	eventInvoicePaid       = "invoice.paid"

	metadataUserID    = "uid"
	metadataProductID = "product_id"
)

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) Provider() string {
	return paymentdomain.ProviderStripe
}

func (f *Factory) NewAdapter(cfg paymentdomain.AdapterConfig) (paymentdomain.PaymentAdapter, error) {
	secret := strings.TrimSpace(cfg.WebhookSecret)
	if secret == "" {
		return nil, paymentdomain.ErrInvalidConfig
	}
	return &Adapter{webhookSecret: secret}, nil
}

type Adapter struct {
	webhookSecret string
}

func (a *Adapter) Verify(ctx context.Context, req paymentdomain.WebhookRequest) error {
	_, err := a.construct(req)
	return err
}

func (a *Adapter) Parse(ctx context.Context, req paymentdomain.WebhookRequest) (*ledgerdomain.PaymentConfirmation, error) {
	event, err := a.construct(req)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(event.ID) == "" || event.Data == nil {
		return nil, paymentdomain.ErrInvalidEvent
	}

	occurredAt := time.Unix(event.Created, 0).UTC()
	switch string(event.Type) {
	case eventCheckoutCompleted:
		return parseCheckoutSession(event.Data.Raw, occurredAt)
	case eventInvoicePaid:
		return parseInvoice(event.Data.Raw, occurredAt)
	default:
		return nil, paymentdomain.ErrEventIgnored
	}
}

// construct checks the Stripe-Signature header. Events from other API versions are accepted
// since only a handful of stable fields are read.
func (a *Adapter) construct(req paymentdomain.WebhookRequest) (stripego.Event, error) {
	signature := strings.TrimSpace(req.Headers.Get("Stripe-Signature"))
	if signature == "" || len(req.Body) == 0 {
		return stripego.Event{}, paymentdomain.ErrInvalidSignature
	}
	event, err := webhook.ConstructEventWithOptions(req.Body, signature, a.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return stripego.Event{}, paymentdomain.ErrInvalidSignature
	}
	return event, nil
}

func parseCheckoutSession(raw json.RawMessage, occurredAt time.Time) (*ledgerdomain.PaymentConfirmation, error) {
	var session stripego.CheckoutSession
	if err := json.Unmarshal(raw, &session); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}
	// subscription checkouts are credited by the invoice.paid that follows them
	if session.Mode != stripego.CheckoutSessionModePayment {
		return nil, paymentdomain.ErrEventIgnored
	}
	if session.ID == "" {
		return nil, paymentdomain.ErrInvalidEvent
	}
	if session.AmountTotal <= 0 {
		return nil, paymentdomain.ErrInvalidPayload
	}

	userID, productID := session.Metadata[metadataUserID], session.Metadata[metadataProductID]
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(productID) == "" {
		return nil, paymentdomain.ErrInvalidPayload
	}

	return &ledgerdomain.PaymentConfirmation{
		Provider:   paymentdomain.ProviderStripe,
		OrderRef:   session.ID,
		UserID:     userID,
		ProductID:  productID,
		Mode:       ledgerdomain.ModeOneTime,
		Amount:     fromMinorUnits(session.AmountTotal),
		Currency:   strings.ToUpper(string(session.Currency)),
		OccurredAt: occurredAt,
		Meta: map[string]any{
			"checkout_session": session.ID,
			"payment_status":   string(session.PaymentStatus),
		},
	}, nil
}

type invoiceMetadata struct {
	Metadata map[string]string `json:"metadata"`
}

type invoicePayload struct {
	ID                  string            `json:"id"`
	AmountPaid          int64             `json:"amount_paid"`
	Currency            string            `json:"currency"`
	Metadata            map[string]string `json:"metadata"`
	SubscriptionDetails *invoiceMetadata  `json:"subscription_details"`
	Parent              *struct {
		SubscriptionDetails *invoiceMetadata `json:"subscription_details"`
	} `json:"parent"`
	Lines struct {
		Data []invoiceMetadata `json:"data"`
	} `json:"lines"`
}

// Stripe has moved the subscription metadata on invoices between API versions, so every known location is tried.
func (p invoicePayload) metadata() map[string]string {
	candidates := make([]map[string]string, 0, 4)
	if p.Parent != nil && p.Parent.SubscriptionDetails != nil {
		candidates = append(candidates, p.Parent.SubscriptionDetails.Metadata)
	}
	if p.SubscriptionDetails != nil {
		candidates = append(candidates, p.SubscriptionDetails.Metadata)
	}
	candidates = append(candidates, p.Metadata)
	if len(p.Lines.Data) > 0 {
		candidates = append(candidates, p.Lines.Data[0].Metadata)
	}
	for _, md := range candidates {
		if strings.TrimSpace(md[metadataUserID]) != "" && strings.TrimSpace(md[metadataProductID]) != "" {
			return md
		}
	}
	return nil
}

func parseInvoice(raw json.RawMessage, occurredAt time.Time) (*ledgerdomain.PaymentConfirmation, error) {
	var invoice invoicePayload
	if err := json.Unmarshal(raw, &invoice); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}
	if invoice.ID == "" {
		return nil, paymentdomain.ErrInvalidEvent
	}
	md := invoice.metadata()
	if md == nil {
		return nil, paymentdomain.ErrInvalidPayload
	}

	return &ledgerdomain.PaymentConfirmation{
		Provider:   paymentdomain.ProviderStripe,
		OrderRef:   invoice.ID,
		UserID:     md[metadataUserID],
		ProductID:  md[metadataProductID],
		Mode:       ledgerdomain.ModeSubscription,
		Amount:     fromMinorUnits(invoice.AmountPaid),
		Currency:   strings.ToUpper(invoice.Currency),
		OccurredAt: occurredAt,
		Meta: map[string]any{
			"invoice": invoice.ID,
		},
	}, nil
}

func fromMinorUnits(amount int64) float64 {
	return math.Round(float64(amount)) / 100
}
