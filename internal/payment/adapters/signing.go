package adapters

import (
	"encoding/json"
	"net/url"
	"sort"
	"strings"

	"github.com/smallbiznis/tokenvault/internal/payment/domain"
)

// SignContent builds the "k1=v1&k2=v2" string the form-based gateways sign:
// keys in byte order, empty values and the sign fields left out, values unescaped.
func SignContent(values url.Values) string {
	keys := make([]string, 0, len(values))
	for key := range values {
		if key == "sign" || key == "sign_type" {
			continue
		}
		if values.Get(key) == "" {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, key := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(key)
		b.WriteByte('=')
		b.WriteString(values.Get(key))
	}
	return b.String()
}

// OrderParam is the passthrough the checkout attaches to form-gateway orders.
type OrderParam struct {
	ProductID string `json:"id"`
	UserID    string `json:"uid"`
}

// DecodeOrderParam reads the URL-encoded JSON passthrough.
func DecodeOrderParam(raw string) (OrderParam, error) {
	raw = strings.TrimSpace(raw)
	if unescaped, err := url.QueryUnescape(raw); err == nil {
		raw = unescaped
	}
	var param OrderParam
	if err := json.Unmarshal([]byte(raw), &param); err != nil {
		return OrderParam{}, domain.ErrInvalidPayload
	}
	param.ProductID = strings.TrimSpace(param.ProductID)
	param.UserID = strings.TrimSpace(param.UserID)
	if param.ProductID == "" {
		return OrderParam{}, domain.ErrInvalidPayload
	}
	if param.UserID == "" {
		return OrderParam{}, domain.ErrInvalidUser
	}
	return param, nil
}
