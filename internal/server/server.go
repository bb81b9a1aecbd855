package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/nestbill/internal/config"
	conversiondomain "github.com/smallbiznis/nestbill/internal/conversion/domain"
	entitlementdomain "github.com/smallbiznis/nestbill/internal/entitlement/domain"
	invoicedomain "github.com/smallbiznis/nestbill/internal/invoice/domain"
	"github.com/smallbiznis/nestbill/internal/observability"
	obsmiddleware "github.com/smallbiznis/nestbill/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/nestbill/internal/observability/metrics"
	obstracing "github.com/smallbiznis/nestbill/internal/observability/tracing"
	paymentdomain "github.com/smallbiznis/nestbill/internal/payment/domain"
	subscriptiondomain "github.com/smallbiznis/nestbill/internal/subscription/domain"
	trialdomain "github.com/smallbiznis/nestbill/internal/trial/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(NewEngine),
	fx.Provide(NewServer),
	fx.Invoke(func(s *Server) { s.RegisterRoutes() }),
	fx.Invoke(RunHTTP),
)

func NewEngine(obsCfg observability.Config, log *zap.Logger, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	if !obsCfg.Debug() {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(log.Named("http"), obsmiddleware.MiddlewareConfig{
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

func RunHTTP(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	addr := strings.TrimSpace(cfg.HTTPAddr)
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatal("http server stopped", zap.Error(err))
				}
			}()
			log.Info("http server listening", zap.String("addr", addr))
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
	engine          *gin.Engine
	subscriptionSvc subscriptiondomain.Service
	trialSvc        trialdomain.Service
	conversionSvc   conversiondomain.Service
	invoiceSvc      invoicedomain.Service
	gate            entitlementdomain.Gate
	webhookSvc      paymentdomain.WebhookService
}

type ServerParams struct {
	fx.In

	Gin             *gin.Engine
	SubscriptionSvc subscriptiondomain.Service
	TrialSvc        trialdomain.Service
	ConversionSvc   conversiondomain.Service
	InvoiceSvc      invoicedomain.Service
	Gate            entitlementdomain.Gate
	WebhookSvc      paymentdomain.WebhookService
}

func NewServer(p ServerParams) *Server {
	return &Server{
		engine:          p.Gin,
		subscriptionSvc: p.SubscriptionSvc,
		trialSvc:        p.TrialSvc,
		conversionSvc:   p.ConversionSvc,
		invoiceSvc:      p.InvoiceSvc,
		gate:            p.Gate,
		webhookSvc:      p.WebhookSvc,
	}
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) RegisterRoutes() {
	v1 := s.engine.Group("/v1")

	// -------- Subscriptions --------
	v1.POST("/subscriptions", s.StartTrial)
	v1.GET("/subscriptions/:id", s.GetSubscription)
	v1.POST("/subscriptions/:id/convert", s.ConvertToPaid)
	v1.POST("/subscriptions/:id/cancel", s.RequestCancellation)
	v1.POST("/subscriptions/:id/reactivate", s.Reactivate)

	// -------- Trial --------
	v1.POST("/subscriptions/:id/usage", s.RecordFeatureUsage)
	v1.GET("/subscriptions/:id/trial-progress", s.TrialProgress)

	// -------- Access --------
	v1.GET("/subscriptions/:id/access/:feature", s.CheckAccess)
	v1.GET("/features", s.ListFeatures)

	// -------- Invoices --------
	v1.GET("/subscriptions/:id/invoices", s.ListInvoices)
	v1.GET("/invoices/:id", s.GetInvoice)
	v1.GET("/invoices/:id/pdf", s.GetInvoicePDF)

	// -------- Payment Webhooks --------
	s.engine.POST("/webhooks/payments/:provider", s.HandlePaymentWebhook)
}
