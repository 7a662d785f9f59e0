// Package dify opens streaming calls against a Dify-compatible AI backend
// and forwards its conversation, message, file and info endpoints.
package dify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/smallbiznis/tokenvault/internal/config"
	"go.uber.org/zap"
)

const (
	AppTypeChat       = "chat"
	AppTypeCompletion = "completion"
	AppTypeWorkflow   = "workflow"
)

var endpoints = map[string]string{
	AppTypeChat:       "/chat-messages",
	AppTypeCompletion: "/completion-messages",
	AppTypeWorkflow:   "/workflows/run",
}

const maxReplyBody = 8 << 20

var (
	ErrUnsupportedAppType = errors.New("unsupported_app_type")
	ErrMissingAPIKey      = errors.New("missing_api_key")
	ErrInvalidCall        = errors.New("invalid_call")
)

// APIError is a non-2xx answer from the upstream API.
type APIError struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("dify: %d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("dify: status %d", e.Status)
}

type Client struct {
	baseURL string
	client  *http.Client
	log     *zap.Logger
}

// New builds a client whose header timeout is bounded but whose body may stream indefinitely.
func New(cfg config.Config, log *zap.Logger) *Client {
	timeout := cfg.Dify.RequestTimeout
	if timeout <= 0 {
		timeout = 300 * time.Second
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = timeout

	return &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(cfg.Dify.BaseURL), "/"),
		client:  &http.Client{Transport: transport},
		log:     log.Named("dify.client"),
	}
}

// Open posts body to the endpoint for appType and returns the event stream.
// The caller owns and must close the returned body.
func (c *Client) Open(ctx context.Context, apiKey, appType string, body map[string]any) (io.ReadCloser, error) {
	path, ok := endpoints[appType]
	if !ok {
		return nil, ErrUnsupportedAppType
	}
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, ErrMissingAPIKey
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode dify request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= http.StatusBadRequest {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		apiErr := decodeAPIError(resp.StatusCode, raw)
		c.log.Warn("dify request rejected",
			zap.String("app_type", appType),
			zap.Int("status", resp.StatusCode),
			zap.String("code", apiErr.Code),
		)
		return nil, apiErr
	}
	return resp.Body, nil
}

func decodeAPIError(status int, raw []byte) *APIError {
	apiErr := &APIError{}
	if err := json.Unmarshal(raw, apiErr); err != nil {
		apiErr.Message = strings.TrimSpace(string(raw))
	}
	apiErr.Status = status
	return apiErr
}

// Call is one non-streaming request. Body is sent as JSON unless Upload is set,
// in which case Upload and Fields go out as multipart/form-data.
type Call struct {
	Method string
	Path   string
	Query  url.Values
	Body   map[string]any
	Upload *Upload
	Fields map[string]string
}

type Upload struct {
	Filename    string
	ContentType string
	Content     io.Reader
}

// Reply is the upstream answer as received, error statuses included.
type Reply struct {
	Status      int
	ContentType string
	Body        []byte
}

// Do sends call and returns the reply whatever its status.
// Only transport failures are errors.
func (c *Client) Do(ctx context.Context, apiKey string, call Call) (*Reply, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, ErrMissingAPIKey
	}
	if !strings.HasPrefix(call.Path, "/") || strings.Contains(call.Path, "..") {
		return nil, ErrInvalidCall
	}
	method := call.Method
	if method == "" {
		method = http.MethodGet
	}

	body, contentType, err := encodeCall(call)
	if err != nil {
		return nil, err
	}
	target := c.baseURL + call.Path
	if len(call.Query) > 0 {
		target += "?" + call.Query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxReplyBody))
	if err != nil {
		return nil, err
	}
	reply := &Reply{Status: resp.StatusCode, ContentType: resp.Header.Get("Content-Type"), Body: raw}
	if resp.StatusCode >= http.StatusInternalServerError {
		c.log.Warn("dify call failed",
			zap.String("method", method),
			zap.String("path", call.Path),
			zap.Int("status", resp.StatusCode),
		)
	}
	return reply, nil
}

func encodeCall(call Call) (io.Reader, string, error) {
	if call.Upload != nil {
		return encodeUpload(call.Upload, call.Fields)
	}
	if call.Body == nil {
		return nil, "", nil
	}
	payload, err := json.Marshal(call.Body)
	if err != nil {
		return nil, "", fmt.Errorf("encode dify request: %w", err)
	}
	return bytes.NewReader(payload), "application/json", nil
}

func encodeUpload(up *Upload, fields map[string]string) (io.Reader, string, error) {
	if up.Content == nil {
		return nil, "", ErrInvalidCall
	}
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	filename := up.Filename
	if filename == "" {
		filename = "file"
	}
	contentType := up.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	header := textproto.MIMEHeader{}
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, filename))
	header.Set("Content-Type", contentType)
	part, err := mw.CreatePart(header)
	if err != nil {
		return nil, "", err
	}
	if _, err := io.Copy(part, up.Content); err != nil {
		return nil, "", err
	}
	for name, value := range fields {
		if err := mw.WriteField(name, value); err != nil {
			return nil, "", err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, "", err
	}
	return &buf, mw.FormDataContentType(), nil
}
