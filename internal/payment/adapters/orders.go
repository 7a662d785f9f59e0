package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/smallbiznis/tokenvault/internal/payment/domain"
)

const (
	gatewayPaid        = "1"
	maxGatewayResponse = 64 << 10
	defaultQueryWait   = 10 * time.Second
)

// FlexString decodes a JSON string or number into its text form; the gateways send both.
type FlexString string

func (s *FlexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*s = ""
		return nil
	}
	if b[0] == '"' {
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		*s = FlexString(strings.TrimSpace(v))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*s = FlexString(n.String())
	return nil
}

type gatewayOrder struct {
	Msg        string     `json:"msg"`
	Status     FlexString `json:"status"`
	Money      FlexString `json:"money"`
	OutTradeNo FlexString `json:"out_trade_no"`
	TradeNo    FlexString `json:"trade_no"`
}

// QueryClient returns client, or a bounded default when nil.
func QueryClient(client *http.Client) *http.Client {
	if client != nil {
		return client
	}
	return &http.Client{Timeout: defaultQueryWait}
}

// DoOrderQuery sends req and decodes the gateway's order answer. Status 1 means paid.
func DoOrderQuery(client *http.Client, req *http.Request) (*domain.OrderStatus, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrOrderQueryFailed, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxGatewayResponse))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrOrderQueryFailed, err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("%w: status %d", domain.ErrOrderQueryFailed, resp.StatusCode)
	}

	var order gatewayOrder
	if err := json.Unmarshal(raw, &order); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", domain.ErrOrderQueryFailed, err)
	}
	return &domain.OrderStatus{
		OrderRef: string(order.OutTradeNo),
		TradeNo:  string(order.TradeNo),
		Money:    string(order.Money),
		Paid:     string(order.Status) == gatewayPaid,
	}, nil
}

// ConfirmOrder requires the gateway to report orderRef as paid for the notified amount.
func ConfirmOrder(ctx context.Context, orders domain.OrderQuerier, orderRef, money string) (*domain.OrderStatus, error) {
	status, err := orders.QueryOrder(ctx, orderRef)
	if err != nil {
		if errors.Is(err, domain.ErrOrderQueryFailed) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrOrderQueryFailed, err)
	}
	if status == nil || !status.Paid {
		return nil, domain.ErrTradeNotSuccessful
	}
	if status.OrderRef != "" && status.OrderRef != orderRef {
		return nil, domain.ErrInvalidEvent
	}
	if status.Money != "" && !sameAmount(status.Money, money) {
		return nil, domain.ErrAmountMismatch
	}
	return status, nil
}

func sameAmount(a, b string) bool {
	x, errX := strconv.ParseFloat(strings.TrimSpace(a), 64)
	y, errY := strconv.ParseFloat(strings.TrimSpace(b), 64)
	if errX != nil || errY != nil {
		return false
	}
	// both sides are two-decimal currency amounts
	return strconv.FormatFloat(x, 'f', 2, 64) == strconv.FormatFloat(y, 'f', 2, 64)
}
