package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/tokenvault/internal/assistant"
	assistantdomain "github.com/smallbiznis/tokenvault/internal/assistant/domain"
	"github.com/smallbiznis/tokenvault/internal/balance"
	balancedomain "github.com/smallbiznis/tokenvault/internal/balance/domain"
	"github.com/smallbiznis/tokenvault/internal/cache"
	"github.com/smallbiznis/tokenvault/internal/config"
	"github.com/smallbiznis/tokenvault/internal/dify"
	"github.com/smallbiznis/tokenvault/internal/grant"
	"github.com/smallbiznis/tokenvault/internal/ledger"
	"github.com/smallbiznis/tokenvault/internal/notify"
	"github.com/smallbiznis/tokenvault/internal/observability"
	obsmiddleware "github.com/smallbiznis/tokenvault/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/tokenvault/internal/observability/metrics"
	obstracing "github.com/smallbiznis/tokenvault/internal/observability/tracing"
	"github.com/smallbiznis/tokenvault/internal/payment"
	paymentdomain "github.com/smallbiznis/tokenvault/internal/payment/domain"
	"github.com/smallbiznis/tokenvault/internal/product"
	productdomain "github.com/smallbiznis/tokenvault/internal/product/domain"
	"github.com/smallbiznis/tokenvault/internal/ratelimit"
	"github.com/smallbiznis/tokenvault/internal/usage"
	usagedomain "github.com/smallbiznis/tokenvault/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	cache.Module,
	notify.Module,
	ratelimit.Module,
	grant.Module,
	usage.Module,
	balance.Module,
	product.Module,
	ledger.Module,
	payment.Module,
	dify.Module,
	assistant.Module,
	fx.Provide(NewTokenVerifier),
	fx.Provide(registerGin),
	fx.Provide(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(obsmetrics.GinMiddleware(httpMetrics))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

type engineParams struct {
	fx.In

	ObsCfg      observability.Config
	HTTPMetrics *obsmetrics.HTTPMetrics `optional:"true"`
}

func registerGin(p engineParams) *gin.Engine {
	return NewEngine(p.ObsCfg, p.HTTPMetrics)
}

func run(lc fx.Lifecycle, cfg config.Config, s *Server, log *zap.Logger) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				log.Info("http server listening", zap.String("addr", srv.Addr))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatal("http server stopped", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine       *gin.Engine
	cfg          config.Config
	log          *zap.Logger
	verifier     *TokenVerifier
	balanceSvc   balancedomain.Service
	usageSvc     usagedomain.Service
	historySvc   paymentdomain.HistoryService
	webhookSvc   paymentdomain.WebhookService
	productSvc   productdomain.Service
	assistantSvc assistantdomain.Service
}

type ServerParams struct {
	fx.In

	Gin          *gin.Engine
	Cfg          config.Config
	Log          *zap.Logger
	Verifier     *TokenVerifier
	BalanceSvc   balancedomain.Service
	UsageSvc     usagedomain.Service
	HistorySvc   paymentdomain.HistoryService
	WebhookSvc   paymentdomain.WebhookService
	ProductSvc   productdomain.Service
	AssistantSvc assistantdomain.Service
}

func NewServer(p ServerParams) *Server {
	s := &Server{
		engine:       p.Gin,
		cfg:          p.Cfg,
		log:          p.Log.Named("http.server"),
		verifier:     p.Verifier,
		balanceSvc:   p.BalanceSvc,
		usageSvc:     p.UsageSvc,
		historySvc:   p.HistorySvc,
		webhookSvc:   p.WebhookSvc,
		productSvc:   p.ProductSvc,
		assistantSvc: p.AssistantSvc,
	}

	s.RegisterWebhookRoutes()
	s.RegisterAPIRoutes()
	return s
}

func (s *Server) RegisterWebhookRoutes() {
	// zpay and yipay may notify with GET query strings
	s.engine.GET("/webhooks/:provider", s.HandlePaymentWebhook)
	s.engine.POST("/webhooks/:provider", s.HandlePaymentWebhook)
}

func (s *Server) RegisterAPIRoutes() {
	api := s.engine.Group("/api")
	api.Use(s.AuthRequired())

	credits := api.Group("/credits")
	credits.GET("/balance", s.GetBalance)
	credits.GET("/usage", s.ListUsage)

	api.GET("/subscription", s.GetSubscription)
	api.GET("/payments", s.ListPayments)

	ai := api.Group("/ai")
	ai.GET("/apps", s.ListApps)
	ai.POST("/chat-messages", s.streamHandler(dify.AppTypeChat))
	ai.POST("/completion-messages", s.streamHandler(dify.AppTypeCompletion))
	ai.POST("/workflows/run", s.streamHandler(dify.AppTypeWorkflow))

	ai.GET("/conversations", s.ListConversations)
	ai.POST("/conversations/:conversation_id/name", s.RenameConversation)
	ai.PUT("/conversations/:conversation_id/name", s.RenameConversation)
	ai.DELETE("/conversations/:conversation_id", s.DeleteConversation)
	ai.GET("/messages", s.ListMessages)
	ai.POST("/message-feedbacks", s.SendMessageFeedback)
	ai.POST("/files/upload", s.UploadFile)
	ai.GET("/info", s.GetAppInfo)
}

// Handler exposes the engine for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.engine
}
