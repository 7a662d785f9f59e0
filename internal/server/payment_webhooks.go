package server

import (
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	paymentdomain "github.com/smallbiznis/tokenvault/internal/payment/domain"
)

const maxWebhookBody = 1 << 20

func (s *Server) HandlePaymentWebhook(c *gin.Context) {
	provider := strings.TrimSpace(c.Param("provider"))
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	query, err := webhookValues(c.Request, payload)
	if err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	result, err := s.webhookSvc.Ingest(c.Request.Context(), provider, paymentdomain.WebhookRequest{
		Method:  c.Request.Method,
		Query:   query,
		Headers: c.Request.Header,
		Body:    payload,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	if result.Ack != "" {
		c.String(http.StatusOK, result.Ack)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"duplicate": result.Duplicate,
		"ignored":   result.Ignored,
	})
}

// webhookValues merges URL query fields with a form-encoded body; form fields win.
func webhookValues(r *http.Request, body []byte) (url.Values, error) {
	values := r.URL.Query()
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != "application/x-www-form-urlencoded" || len(body) == 0 {
		return values, nil
	}

	form, err := url.ParseQuery(string(body))
	if err != nil {
		return nil, err
	}
	for key, vals := range form {
		values[key] = vals
	}
	return values, nil
}
