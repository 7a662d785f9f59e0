package stripe

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	ledgerdomain "github.com/smallbiznis/tokenvault/internal/ledger/domain"
	paymentdomain "github.com/smallbiznis/tokenvault/internal/payment/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v83/webhook"
)

const testSecret = "whsec_test"

func signedRequest(t *testing.T, secret string, event map[string]any) paymentdomain.WebhookRequest {
	t.Helper()
	payload, err := json.Marshal(event)
	require.NoError(t, err)

	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    secret,
		Timestamp: time.Now(),
	})
	headers := http.Header{}
	headers.Set("Stripe-Signature", signed.Header)
	return paymentdomain.WebhookRequest{Method: http.MethodPost, Headers: headers, Body: payload}
}

func stripeEvent(id, eventType string, object map[string]any) map[string]any {
	return map[string]any{
		"id":          id,
		"object":      "event",
		"type":        eventType,
		"created":     int64(1738227600),
		"api_version": "2020-08-27",
		"data":        map[string]any{"object": object},
	}
}

func newAdapter(t *testing.T) paymentdomain.PaymentAdapter {
	t.Helper()
	adapter, err := NewFactory().NewAdapter(paymentdomain.AdapterConfig{WebhookSecret: testSecret})
	require.NoError(t, err)
	return adapter
}

func TestNewAdapterRequiresSecret(t *testing.T) {
	_, err := NewFactory().NewAdapter(paymentdomain.AdapterConfig{})
	assert.ErrorIs(t, err, paymentdomain.ErrInvalidConfig)
}

func TestVerifySignature(t *testing.T) {
	adapter := newAdapter(t)
	event := stripeEvent("evt_1", "checkout.session.completed", map[string]any{"id": "cs_1", "object": "checkout.session"})

	require.NoError(t, adapter.Verify(context.Background(), signedRequest(t, testSecret, event)))

	forged := signedRequest(t, "whsec_other", event)
	assert.ErrorIs(t, adapter.Verify(context.Background(), forged), paymentdomain.ErrInvalidSignature)

	unsigned := signedRequest(t, testSecret, event)
	unsigned.Headers.Del("Stripe-Signature")
	assert.ErrorIs(t, adapter.Verify(context.Background(), unsigned), paymentdomain.ErrInvalidSignature)

	tampered := signedRequest(t, testSecret, event)
	tampered.Body = append(tampered.Body, ' ')
	assert.ErrorIs(t, adapter.Verify(context.Background(), tampered), paymentdomain.ErrInvalidSignature)
}

func TestParseCheckoutSessionOneTime(t *testing.T) {
	adapter := newAdapter(t)
	req := signedRequest(t, testSecret, stripeEvent("evt_cs", "checkout.session.completed", map[string]any{
		"id":             "cs_test_1",
		"object":         "checkout.session",
		"mode":           "payment",
		"amount_total":   30,
		"currency":       "cny",
		"payment_status": "paid",
		"metadata":       map[string]any{"uid": "user-1", "product_id": "topup"},
	}))

	confirmation, err := adapter.Parse(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.ProviderStripe, confirmation.Provider)
	assert.Equal(t, "cs_test_1", confirmation.OrderRef)
	assert.Equal(t, "user-1", confirmation.UserID)
	assert.Equal(t, "topup", confirmation.ProductID)
	assert.Equal(t, ledgerdomain.ModeOneTime, confirmation.Mode)
	assert.InDelta(t, 0.30, confirmation.Amount, 0.0001)
	assert.Equal(t, "CNY", confirmation.Currency)
	assert.Equal(t, time.Unix(1738227600, 0).UTC(), confirmation.OccurredAt)
}

func TestParseInvoicePaidMetadataLocations(t *testing.T) {
	md := map[string]any{"uid": "user-2", "product_id": "pro-monthly"}
	tests := []struct {
		name    string
		invoice map[string]any
	}{
		{
			name:    "parent subscription details",
			invoice: map[string]any{"parent": map[string]any{"subscription_details": map[string]any{"metadata": md}}},
		},
		{
			name:    "legacy subscription details",
			invoice: map[string]any{"subscription_details": map[string]any{"metadata": md}},
		},
		{
			name:    "invoice metadata",
			invoice: map[string]any{"metadata": md},
		},
		{
			name:    "first line item",
			invoice: map[string]any{"lines": map[string]any{"data": []any{map[string]any{"metadata": md}}}},
		},
	}

	adapter := newAdapter(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			object := map[string]any{"id": "in_1", "object": "invoice", "amount_paid": 20, "currency": "cny"}
			for k, v := range tt.invoice {
				object[k] = v
			}

			confirmation, err := adapter.Parse(context.Background(), signedRequest(t, testSecret, stripeEvent("evt_in", "invoice.paid", object)))
			require.NoError(t, err)
			assert.Equal(t, "in_1", confirmation.OrderRef)
			assert.Equal(t, "user-2", confirmation.UserID)
			assert.Equal(t, "pro-monthly", confirmation.ProductID)
			assert.Equal(t, ledgerdomain.ModeSubscription, confirmation.Mode)
			assert.InDelta(t, 0.20, confirmation.Amount, 0.0001)
		})
	}
}

func TestParseRejectsAndIgnores(t *testing.T) {
	adapter := newAdapter(t)
	ctx := context.Background()

	_, err := adapter.Parse(ctx, signedRequest(t, testSecret, stripeEvent("evt_sub", "customer.subscription.updated", map[string]any{"id": "sub_1"})))
	assert.ErrorIs(t, err, paymentdomain.ErrEventIgnored)

	_, err = adapter.Parse(ctx, signedRequest(t, testSecret, stripeEvent("evt_cs", "checkout.session.completed", map[string]any{
		"id": "cs_sub", "object": "checkout.session", "mode": "subscription", "amount_total": 20,
	})))
	assert.ErrorIs(t, err, paymentdomain.ErrEventIgnored)

	_, err = adapter.Parse(ctx, signedRequest(t, testSecret, stripeEvent("evt_cs", "checkout.session.completed", map[string]any{
		"id": "cs_2", "object": "checkout.session", "mode": "payment", "amount_total": 30,
	})))
	assert.ErrorIs(t, err, paymentdomain.ErrInvalidPayload)

	_, err = adapter.Parse(ctx, signedRequest(t, testSecret, stripeEvent("evt_in", "invoice.paid", map[string]any{
		"id": "in_2", "object": "invoice", "amount_paid": 20,
	})))
	assert.ErrorIs(t, err, paymentdomain.ErrInvalidPayload)
}
