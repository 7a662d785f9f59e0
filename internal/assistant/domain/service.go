// Package domain defines the metered AI proxy contract.
package domain

import (
	"context"
	"errors"
	"io"
	"net/url"

	grantdomain "github.com/smallbiznis/tokenvault/internal/grant/domain"
	"github.com/smallbiznis/tokenvault/internal/stream"
)

// Request is one AI call on behalf of an authenticated user.
// AppType, when set, must match the configured type of the app.
type Request struct {
	UserID  string
	AppKey  string
	AppType string
	Body    map[string]any
}

// ForwardRequest is an unmetered call to an app's conversation, message, file or info API.
// The service sets the upstream user to UserID whatever the client sent.
type ForwardRequest struct {
	UserID string
	AppKey string
	Method string
	Path   string
	Query  url.Values
	Body   map[string]any
	Upload *Upload
}

type Upload struct {
	Filename    string
	ContentType string
	Content     io.Reader
}

// Reply is the upstream answer, passed to the client as is.
type Reply struct {
	Status      int
	ContentType string
	Body        []byte
}

type Service interface {
	// Stream admits the request, relays the upstream event stream to w and settles usage.
	// Errors are returned only when nothing was written to w.
	Stream(ctx context.Context, req Request, w io.Writer) (*stream.Result, error)
	Forward(ctx context.Context, req ForwardRequest) (*Reply, error)
}

var (
	ErrInvalidUser         = errors.New("invalid_user")
	ErrInvalidRequest      = errors.New("invalid_request")
	ErrAppNotFound         = errors.New("app_not_found")
	ErrAppTypeMismatch     = errors.New("app_type_mismatch")
	ErrAIDisabled          = errors.New("ai_disabled")
	ErrAppNotConfigured    = errors.New("app_not_configured")
	ErrRateLimited         = errors.New("rate_limited")
	ErrUpstreamUnavailable = errors.New("upstream_unavailable")
	ErrInsufficientCredits = grantdomain.ErrInsufficientCredits
)
