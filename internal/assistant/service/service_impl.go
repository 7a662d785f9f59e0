package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/smallbiznis/tokenvault/internal/assistant/domain"
	balancedomain "github.com/smallbiznis/tokenvault/internal/balance/domain"
	"github.com/smallbiznis/tokenvault/internal/config"
	"github.com/smallbiznis/tokenvault/internal/dify"
	ledgerdomain "github.com/smallbiznis/tokenvault/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/tokenvault/internal/observability/metrics"
	productdomain "github.com/smallbiznis/tokenvault/internal/product/domain"
	"github.com/smallbiznis/tokenvault/internal/ratelimit"
	"github.com/smallbiznis/tokenvault/internal/stream"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const readBufferSize = 32 << 10

// Upstream opens the provider event stream and forwards plain calls. *dify.Client satisfies it.
type Upstream interface {
	Open(ctx context.Context, apiKey, appType string, body map[string]any) (io.ReadCloser, error)
	Do(ctx context.Context, apiKey string, call dify.Call) (*dify.Reply, error)
}

type Params struct {
	fx.In

	Log         *zap.Logger
	Products    productdomain.Service
	Balance     balancedomain.Service
	Ledger      ledgerdomain.Service
	Upstream    Upstream
	Limiter     *ratelimit.AssistantLimiter `optional:"true"`
	ObsMetrics  *obsmetrics.Metrics         `optional:"true"`
	HTTPMetrics *obsmetrics.HTTPMetrics     `optional:"true"`
}

type Service struct {
	log         *zap.Logger
	products    productdomain.Service
	balance     balancedomain.Service
	ledger      ledgerdomain.Service
	upstream    Upstream
	limiter     *ratelimit.AssistantLimiter
	obsMetrics  *obsmetrics.Metrics
	httpMetrics *obsmetrics.HTTPMetrics
}

func NewService(p Params) domain.Service {
	return &Service{
		log:         p.Log.Named("assistant.service"),
		products:    p.Products,
		balance:     p.Balance,
		ledger:      p.Ledger,
		upstream:    p.Upstream,
		limiter:     p.Limiter,
		obsMetrics:  p.ObsMetrics,
		httpMetrics: p.HTTPMetrics,
	}
}

func (s *Service) Stream(ctx context.Context, req domain.Request, w io.Writer) (*stream.Result, error) {
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return nil, domain.ErrInvalidUser
	}

	app, err := s.resolveApp(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := s.admit(ctx, userID, app); err != nil {
		return nil, err
	}
	if err := s.throttle(ctx, userID); err != nil {
		return nil, err
	}

	apiKey, err := s.apiKey(app)
	if err != nil {
		return nil, err
	}
	body, err := prepareBody(app.Type, req.Body, userID)
	if err != nil {
		return nil, err
	}

	var debiter stream.Debiter
	if app.AccessType != config.AccessFree {
		debiter = s.ledger
	}
	session := stream.NewSession(stream.SessionConfig{
		UserID:     userID,
		Capability: app.Key,
		Debiter:    debiter,
		Log:        s.log,
	})

	upstream, err := s.upstream.Open(ctx, apiKey, app.Type, body)
	if err != nil {
		s.log.Warn("upstream open failed", zap.String("app", app.Key), zap.Error(err))
		return nil, fmt.Errorf("%w: %v", domain.ErrUpstreamUnavailable, err)
	}
	defer upstream.Close()

	if err := session.Start(); err != nil {
		return nil, err
	}
	started := time.Now()
	s.relay(ctx, session, upstream, w)

	res := session.Result()
	s.obsMetrics.RecordStreamSession(ctx, app.Key, res.StateName)
	s.httpMetrics.ObserveStream(app.Key, res.StateName, time.Since(started), res.Usage)
	return &res, nil
}

// Forward relays an unmetered call for the user. Upstream error statuses come back as replies.
func (s *Service) Forward(ctx context.Context, req domain.ForwardRequest) (*domain.Reply, error) {
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return nil, domain.ErrInvalidUser
	}
	app, err := s.resolveApp(ctx, domain.Request{AppKey: req.AppKey})
	if err != nil {
		return nil, err
	}
	apiKey, err := s.apiKey(app)
	if err != nil {
		return nil, err
	}

	call := dify.Call{Method: req.Method, Path: req.Path}
	switch {
	case req.Upload != nil:
		call.Upload = &dify.Upload{
			Filename:    req.Upload.Filename,
			ContentType: req.Upload.ContentType,
			Content:     req.Upload.Content,
		}
		call.Fields = map[string]string{"user": userID}
	case req.Body != nil:
		call.Body = make(map[string]any, len(req.Body)+1)
		for k, v := range req.Body {
			call.Body[k] = v
		}
		call.Body["user"] = userID
	}
	if req.Body == nil && req.Upload == nil {
		call.Query = url.Values{}
		for k, v := range req.Query {
			call.Query[k] = append([]string(nil), v...)
		}
		call.Query.Set("user", userID)
	}

	reply, err := s.upstream.Do(ctx, apiKey, call)
	if err != nil {
		if errors.Is(err, dify.ErrInvalidCall) {
			return nil, fmt.Errorf("%w: %v", domain.ErrInvalidRequest, err)
		}
		s.log.Warn("upstream call failed", zap.String("app", app.Key), zap.String("path", req.Path), zap.Error(err))
		return nil, fmt.Errorf("%w: %v", domain.ErrUpstreamUnavailable, err)
	}
	return &domain.Reply{Status: reply.Status, ContentType: reply.ContentType, Body: reply.Body}, nil
}

func (s *Service) apiKey(app *productdomain.App) (string, error) {
	apiKey := strings.TrimSpace(os.Getenv(app.APIKeyEnv))
	if apiKey == "" {
		s.log.Error("app api key missing", zap.String("app", app.Key), zap.String("env", app.APIKeyEnv))
		return "", domain.ErrAppNotConfigured
	}
	return apiKey, nil
}

func (s *Service) resolveApp(ctx context.Context, req domain.Request) (*productdomain.App, error) {
	if !s.products.AIEnabled(ctx) {
		return nil, domain.ErrAIDisabled
	}
	app, err := s.products.App(ctx, req.AppKey)
	if err != nil {
		if errors.Is(err, productdomain.ErrAppNotFound) {
			return nil, domain.ErrAppNotFound
		}
		return nil, err
	}
	if req.AppType != "" && req.AppType != app.Type {
		return nil, domain.ErrAppTypeMismatch
	}
	return app, nil
}

// admit is an admission check only; the real charge is the usage the terminal frame reports.
func (s *Service) admit(ctx context.Context, userID string, app *productdomain.App) error {
	switch app.AccessType {
	case config.AccessFree:
		return nil
	case config.AccessVIP:
		active, err := s.balance.HasActiveSubscription(ctx, userID)
		if err != nil {
			return err
		}
		if !active {
			return domain.ErrInsufficientCredits
		}
	}

	ok, err := s.balance.HasSufficientCredits(ctx, userID, app.EstimatedCost)
	if err != nil {
		return err
	}
	if !ok {
		return domain.ErrInsufficientCredits
	}
	return nil
}

func (s *Service) throttle(ctx context.Context, userID string) error {
	if !s.limiter.Enabled() {
		return nil
	}
	res, err := s.limiter.Allow(ctx, userID)
	if err != nil {
		// a Redis outage must not take the assistant down with it
		s.log.Warn("rate limiter unavailable", zap.Error(err))
		return nil
	}
	if !res.Allowed {
		s.obsMetrics.RecordRateLimitDenied(ctx, "assistant")
		return domain.ErrRateLimited
	}
	return nil
}

// relay feeds each upstream chunk to the session, then copies it to w.
// A chunk that completes the session is settled even if the client is already gone.
func (s *Service) relay(ctx context.Context, session *stream.Session, upstream io.Reader, w io.Writer) {
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, readBufferSize)

	for {
		if ctx.Err() != nil {
			session.Cancel()
			return
		}

		n, readErr := upstream.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			feedErr := session.Feed(ctx, chunk)
			if _, err := w.Write(chunk); err != nil {
				// no-op when the chunk already settled the session
				session.Cancel()
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
			if feedErr != nil || session.State().Done() {
				return
			}
		}

		switch {
		case readErr == nil:
		case errors.Is(readErr, io.EOF):
			_ = session.Finish(ctx)
			return
		case ctx.Err() != nil:
			session.Cancel()
			return
		default:
			session.Fail(fmt.Errorf("%w: %v", domain.ErrUpstreamUnavailable, readErr))
			return
		}
	}
}

// prepareBody forces streaming and binds the upstream user to the authenticated caller.
func prepareBody(appType string, in map[string]any, userID string) (map[string]any, error) {
	body := make(map[string]any, len(in)+2)
	for k, v := range in {
		body[k] = v
	}
	body["response_mode"] = "streaming"
	body["user"] = userID
	if _, ok := body["inputs"]; !ok {
		body["inputs"] = map[string]any{}
	}

	if appType == dify.AppTypeChat {
		query, _ := body["query"].(string)
		if strings.TrimSpace(query) == "" {
			return nil, fmt.Errorf("%w: query is required", domain.ErrInvalidRequest)
		}
	}
	return body, nil
}
