// Package zpay verifies ZPay asynchronous notifications (MD5 signed form fields).
package zpay

import (
	"context"
	"crypto/md5"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	ledgerdomain "github.com/smallbiznis/tokenvault/internal/ledger/domain"
	"github.com/smallbiznis/tokenvault/internal/payment/adapters"
	paymentdomain "github.com/smallbiznis/tokenvault/internal/payment/domain"
)

const (
	tradeSuccess = "TRADE_SUCCESS"
	ack          = "success"
)

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) Provider() string {
	return paymentdomain.ProviderZPay
}

func (f *Factory) NewAdapter(cfg paymentdomain.AdapterConfig) (paymentdomain.PaymentAdapter, error) {
	key := strings.TrimSpace(cfg.Key)
	if key == "" {
		return nil, paymentdomain.ErrInvalidConfig
	}
	pid := strings.TrimSpace(cfg.PID)

	orders := cfg.Orders
	if orders == nil {
		endpoint := strings.TrimSpace(cfg.QueryURL)
		if pid == "" || endpoint == "" {
			return nil, paymentdomain.ErrInvalidConfig
		}
		orders = &OrderAPI{
			URL:    endpoint,
			PID:    pid,
			Key:    key,
			Client: adapters.QueryClient(cfg.HTTPClient),
		}
	}
	return &Adapter{
		pid:        pid,
		key:        key,
		checkPrice: cfg.CheckPrice,
		orders:     orders,
	}, nil
}

type Adapter struct {
	pid        string
	key        string
	checkPrice paymentdomain.PriceChecker
	orders     paymentdomain.OrderQuerier
}

func (a *Adapter) Ack() string { return ack }

func (a *Adapter) Verify(ctx context.Context, req paymentdomain.WebhookRequest) error {
	sign := strings.ToLower(strings.TrimSpace(req.Query.Get("sign")))
	if sign == "" {
		return paymentdomain.ErrInvalidSignature
	}
	if a.pid != "" && strings.TrimSpace(req.Query.Get("pid")) != a.pid {
		return paymentdomain.ErrInvalidSignature
	}
	expected := Sign(adapters.SignContent(req.Query), a.key)
	if subtle.ConstantTimeCompare([]byte(sign), []byte(expected)) != 1 {
		return paymentdomain.ErrInvalidSignature
	}
	return nil
}

func (a *Adapter) Parse(ctx context.Context, req paymentdomain.WebhookRequest) (*ledgerdomain.PaymentConfirmation, error) {
	q := req.Query
	if strings.TrimSpace(q.Get("trade_status")) != tradeSuccess {
		return nil, paymentdomain.ErrTradeNotSuccessful
	}
	orderRef := strings.TrimSpace(q.Get("out_trade_no"))
	if orderRef == "" {
		return nil, paymentdomain.ErrInvalidEvent
	}
	param, err := adapters.DecodeOrderParam(q.Get("param"))
	if err != nil {
		return nil, err
	}

	money := strings.TrimSpace(q.Get("money"))
	amount, err := strconv.ParseFloat(money, 64)
	if err != nil || amount < 0 {
		return nil, paymentdomain.ErrInvalidPayload
	}
	if a.checkPrice != nil {
		if err := a.checkPrice(ctx, param.ProductID, money); err != nil {
			return nil, err
		}
	}
	order, err := adapters.ConfirmOrder(ctx, a.orders, orderRef, money)
	if err != nil {
		return nil, err
	}

	return &ledgerdomain.PaymentConfirmation{
		Provider:  paymentdomain.ProviderZPay,
		OrderRef:  orderRef,
		UserID:    param.UserID,
		ProductID: param.ProductID,
		Amount:    amount,
		Meta: map[string]any{
			"trade_no": orDefault(order.TradeNo, q.Get("trade_no")),
			"type":     q.Get("type"),
			"name":     q.Get("name"),
		},
	}, nil
}

// Sign returns the lowercase hex MD5 of content followed by the merchant key.
func Sign(content, key string) string {
	sum := md5.Sum([]byte(content + key))
	return hex.EncodeToString(sum[:])
}

// OrderAPI reads an order through ZPay's act=order endpoint.
type OrderAPI struct {
	URL    string
	PID    string
	Key    string
	Client *http.Client
}

func (o *OrderAPI) QueryOrder(ctx context.Context, orderRef string) (*paymentdomain.OrderStatus, error) {
	u, err := url.Parse(o.URL)
	if err != nil {
		return nil, paymentdomain.ErrInvalidConfig
	}
	q := u.Query()
	q.Set("act", "order")
	q.Set("pid", o.PID)
	q.Set("key", o.Key)
	q.Set("out_trade_no", orderRef)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	return adapters.DoOrderQuery(adapters.QueryClient(o.Client), req)
}

func orDefault(value, def string) string {
	if value = strings.TrimSpace(value); value != "" {
		return value
	}
	return def
}
