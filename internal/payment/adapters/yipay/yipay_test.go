package yipay

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/smallbiznis/tokenvault/internal/payment/adapters"
	paymentdomain "github.com/smallbiznis/tokenvault/internal/payment/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type keyPair struct {
	private   *rsa.PrivateKey
	publicPEM string
	publicB64 string
}

func newKeyPair(t *testing.T) keyPair {
	t.Helper()
	private, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	der, err := x509.MarshalPKIXPublicKey(&private.PublicKey)
	require.NoError(t, err)
	return keyPair{
		private:   private,
		publicPEM: string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})),
		publicB64: base64.StdEncoding.EncodeToString(der),
	}
}

// orderBook answers order queries from a fixed map; missing orders are unpaid.
type orderBook struct {
	orders map[string]paymentdomain.OrderStatus
	err    error
}

func paidOrders() *orderBook {
	return &orderBook{orders: map[string]paymentdomain.OrderStatus{
		"Y20250130001": {OrderRef: "Y20250130001", TradeNo: "YP0001", Money: "0.30", Paid: true},
	}}
}

func (b *orderBook) QueryOrder(_ context.Context, orderRef string) (*paymentdomain.OrderStatus, error) {
	if b.err != nil {
		return nil, b.err
	}
	status := b.orders[orderRef]
	return &status, nil
}

func (k keyPair) notification(t *testing.T, mutate func(url.Values)) paymentdomain.WebhookRequest {
	t.Helper()
	q := url.Values{
		"pid":          {"3003"},
		"money":        {"0.30"},
		"out_trade_no": {"Y20250130001"},
		"trade_no":     {"YP0001"},
		"param":        {url.QueryEscape(`{"id":"topup","uid":"user-9"}`)},
		"trade_status": {"TRADE_SUCCESS"},
		"type":         {"wxpay"},
		"sign_type":    {"RSA"},
	}
	if mutate != nil {
		mutate(q)
	}
	digest := sha256.Sum256([]byte(adapters.SignContent(q)))
	sig, err := rsa.SignPKCS1v15(rand.Reader, k.private, crypto.SHA256, digest[:])
	require.NoError(t, err)
	q.Set("sign", base64.StdEncoding.EncodeToString(sig))
	return paymentdomain.WebhookRequest{Method: "POST", Query: q}
}

func TestVerify(t *testing.T) {
	keys := newKeyPair(t)
	adapter, err := NewFactory().NewAdapter(paymentdomain.AdapterConfig{PID: "3003", PublicKey: keys.publicPEM, Orders: paidOrders()})
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, adapter.Verify(ctx, keys.notification(t, nil)))

	tampered := keys.notification(t, nil)
	tampered.Query.Set("money", "0.01")
	assert.ErrorIs(t, adapter.Verify(ctx, tampered), paymentdomain.ErrInvalidSignature)

	spaced := keys.notification(t, nil)
	spaced.Query.Set("sign", strings.ReplaceAll(spaced.Query.Get("sign"), "+", " "))
	assert.NoError(t, adapter.Verify(ctx, spaced))

	garbage := keys.notification(t, nil)
	garbage.Query.Set("sign", "!!!")
	assert.ErrorIs(t, adapter.Verify(ctx, garbage), paymentdomain.ErrInvalidSignature)

	other := newKeyPair(t)
	assert.ErrorIs(t, adapter.Verify(ctx, other.notification(t, nil)), paymentdomain.ErrInvalidSignature)
}

func TestParse(t *testing.T) {
	keys := newKeyPair(t)
	adapter, err := NewFactory().NewAdapter(paymentdomain.AdapterConfig{PublicKey: keys.publicB64, Orders: paidOrders()})
	require.NoError(t, err)

	confirmation, err := adapter.Parse(context.Background(), keys.notification(t, nil))
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.ProviderYiPay, confirmation.Provider)
	assert.Equal(t, "Y20250130001", confirmation.OrderRef)
	assert.Equal(t, "user-9", confirmation.UserID)
	assert.Equal(t, "topup", confirmation.ProductID)
	assert.Equal(t, "YP0001", confirmation.Meta["trade_no"])

	_, err = adapter.Parse(context.Background(), keys.notification(t, func(q url.Values) { q.Set("trade_status", "TRADE_CLOSED") }))
	assert.ErrorIs(t, err, paymentdomain.ErrTradeNotSuccessful)
}

func TestParsePublicKey(t *testing.T) {
	keys := newKeyPair(t)

	fromPEM, err := ParsePublicKey(keys.publicPEM)
	require.NoError(t, err)
	fromBare, err := ParsePublicKey(keys.publicB64)
	require.NoError(t, err)
	assert.True(t, fromPEM.Equal(fromBare))

	_, err = ParsePublicKey("")
	assert.ErrorIs(t, err, paymentdomain.ErrInvalidConfig)
	_, err = ParsePublicKey("not a key")
	assert.ErrorIs(t, err, paymentdomain.ErrInvalidConfig)
}

func TestParseRejectsUnpaidGatewayOrder(t *testing.T) {
	keys := newKeyPair(t)
	book := &orderBook{orders: map[string]paymentdomain.OrderStatus{
		"Y20250130001": {OrderRef: "Y20250130001", Money: "0.30"},
	}}
	adapter, err := NewFactory().NewAdapter(paymentdomain.AdapterConfig{PublicKey: keys.publicPEM, Orders: book})
	require.NoError(t, err)

	_, err = adapter.Parse(context.Background(), keys.notification(t, nil))
	assert.ErrorIs(t, err, paymentdomain.ErrTradeNotSuccessful)

	book.err = errors.New("timeout")
	_, err = adapter.Parse(context.Background(), keys.notification(t, nil))
	assert.ErrorIs(t, err, paymentdomain.ErrOrderQueryFailed)
}

func TestOrderAPISignsQuery(t *testing.T) {
	keys := newKeyPair(t)
	var form url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.NoError(t, r.ParseForm())
		form = r.PostForm
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"code":0,"trade_no":"YP0001","out_trade_no":"Y20250130001","money":0.3,"status":1}`))
	}))
	defer srv.Close()

	api := &OrderAPI{
		URL:        srv.URL,
		PID:        "3003",
		PrivateKey: keys.private,
		Client:     srv.Client(),
		Now:        func() time.Time { return time.Unix(1738200000, 0) },
	}
	order, err := api.QueryOrder(context.Background(), "Y20250130001")
	require.NoError(t, err)
	assert.True(t, order.Paid)
	assert.Equal(t, "0.3", order.Money)
	assert.Equal(t, "YP0001", order.TradeNo)

	assert.Equal(t, "3003", form.Get("pid"))
	assert.Equal(t, "Y20250130001", form.Get("out_trade_no"))
	assert.Equal(t, "1738200000", form.Get("timestamp"))
	assert.Equal(t, "RSA", form.Get("sign_type"))
	sig, err := base64.StdEncoding.DecodeString(form.Get("sign"))
	require.NoError(t, err)
	digest := sha256.Sum256([]byte(adapters.SignContent(form)))
	assert.NoError(t, rsa.VerifyPKCS1v15(&keys.private.PublicKey, crypto.SHA256, digest[:], sig))
}

func TestNewAdapterBuildsOrderAPI(t *testing.T) {
	keys := newKeyPair(t)
	der, err := x509.MarshalPKCS8PrivateKey(keys.private)
	require.NoError(t, err)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"1","out_trade_no":"Y20250130001","money":"0.30","trade_no":"YP0001"}`))
	}))
	defer srv.Close()

	adapter, err := NewFactory().NewAdapter(paymentdomain.AdapterConfig{
		PID:        "3003",
		PublicKey:  keys.publicPEM,
		PrivateKey: base64.StdEncoding.EncodeToString(der),
		QueryURL:   srv.URL,
		HTTPClient: srv.Client(),
	})
	require.NoError(t, err)
	_, err = adapter.Parse(context.Background(), keys.notification(t, nil))
	require.NoError(t, err)

	_, err = NewFactory().NewAdapter(paymentdomain.AdapterConfig{PID: "3003", PublicKey: keys.publicPEM, QueryURL: srv.URL})
	assert.ErrorIs(t, err, paymentdomain.ErrInvalidConfig)
}

func TestParsePrivateKey(t *testing.T) {
	keys := newKeyPair(t)
	pkcs8, err := x509.MarshalPKCS8PrivateKey(keys.private)
	require.NoError(t, err)
	pkcs1 := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(keys.private)})

	for _, raw := range []string{
		string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: pkcs8})),
		base64.StdEncoding.EncodeToString(pkcs8),
		string(pkcs1),
	} {
		key, err := ParsePrivateKey(raw)
		require.NoError(t, err)
		assert.True(t, key.Equal(keys.private))
	}

	_, err = ParsePrivateKey("")
	assert.ErrorIs(t, err, paymentdomain.ErrInvalidConfig)
}
