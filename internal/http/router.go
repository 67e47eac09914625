// Package httpapi wires the HTTP transport (Gin) to application services,
// middleware, and route handlers. It centralizes cross-cutting concerns such
// as tracing, correlation IDs, logging/redaction, panic recovery, metrics,
// CORS, security headers, and rate limiting.
//
// Design goals:
//   - Put observability first (OTel + Prometheus)
//   - Safe-by-default middleware ordering (RequestID → logging → recovery)
//   - Deterministic, minimal router setup; all dependencies injected
//   - Billing responses never cacheable; receipt material never logged
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/gorm"

	"github.com/storytime-app/storytime-backend/internal/config"
	"github.com/storytime-app/storytime-backend/internal/domain"
	"github.com/storytime-app/storytime-backend/internal/events"
	"github.com/storytime-app/storytime-backend/internal/http/handlers"
	"github.com/storytime-app/storytime-backend/internal/http/middleware"
	"github.com/storytime-app/storytime-backend/internal/repo"
	"github.com/storytime-app/storytime-backend/internal/services"
)

// paymentRepoShim adapts the repository free functions to the
// services.PaymentRepo interface expected by the BillingService. This keeps
// services decoupled from the concrete repo package while reusing existing
// functions.
type paymentRepoShim struct{}

// CreatePayment proxies repo.CreatePayment.
func (paymentRepoShim) CreatePayment(ctx context.Context, db *gorm.DB, userID string, amount decimal.Decimal, currency string, status domain.PaymentStatus, reference string, methodID *string) (*domain.PaymentTransaction, error) {
	return repo.CreatePayment(ctx, db, userID, amount, currency, status, reference, methodID)
}

// GetPaymentByReference proxies repo.GetPaymentByReference.
func (paymentRepoShim) GetPaymentByReference(ctx context.Context, db *gorm.DB, reference string) (*domain.PaymentTransaction, error) {
	return repo.GetPaymentByReference(ctx, db, reference)
}

// subscriptionRepoShim adapts the repository free functions to
// services.SubscriptionRepo.
type subscriptionRepoShim struct{}

// GetSubscription proxies repo.GetSubscription.
func (subscriptionRepoShim) GetSubscription(ctx context.Context, db *gorm.DB, userID string) (*domain.Subscription, error) {
	return repo.GetSubscription(ctx, db, userID)
}

// UpsertSubscription proxies repo.UpsertSubscription.
func (subscriptionRepoShim) UpsertSubscription(ctx context.Context, db *gorm.DB, sub *domain.Subscription) (*domain.Subscription, error) {
	return repo.UpsertSubscription(ctx, db, sub)
}

// UpdateSubscriptionStatus proxies repo.UpdateSubscriptionStatus.
func (subscriptionRepoShim) UpdateSubscriptionStatus(ctx context.Context, db *gorm.DB, userID string, status domain.SubscriptionStatus, endsAt *time.Time) error {
	return repo.UpdateSubscriptionStatus(ctx, db, userID, status, endsAt)
}

// RegisterRoutes attaches all middleware and HTTP endpoints to the given Gin
// engine. The platform verifiers are injected so that deployments without
// one platform's credentials still serve the rest of the API.
//
// Middleware order matters:
//  1. OpenTelemetry: trace everything
//  2. RequestID: generate/propagate correlation id
//  3. RedactingLogger: structured logs with receipt/PII scrubbing
//  4. Recovery: capture panics after logger
//  5. Body size limiter
//  6. Gzip compression
//  7. Metrics
//  8. Rate limiter (per user/IP)
//  9. CORS and security headers
func RegisterRoutes(r *gin.Engine, db *gorm.DB, google services.GooglePlatform, apple services.ApplePlatform, cfg config.Config) {
	r.HandleMethodNotAllowed = true

	// 1) Trace all HTTP requests
	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))

	// 2) Correlate requests and logs
	r.Use(middleware.RequestID())

	// 3) Structured logging with receipt redaction
	r.Use(middleware.RedactingLogger(middleware.RedactOptions{
		MaskHeaders: []string{
			"X-API-Key",
		},
	}))

	// 4) Panic recovery to JSON 500 (with request id)
	r.Use(middleware.Recovery())

	// 5) Global body size limit (64 KiB; receipts are small)
	r.Use(limitBody(64 << 10))

	// 6) Compress JSON responses
	r.Use(gzip.Gzip(gzip.DefaultCompression))

	// 7) Prometheus metrics and /metrics endpoint
	r.Use(middleware.Metrics())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// 8) Token-bucket rate limiter per user/IP
	rl := middleware.NewRateLimiter(cfg.RateRPS, cfg.RateBurst, middleware.KeyByUserOrIP())
	r.Use(rl.Handler())

	// 9) CORS posture (safe defaults: allow all if none configured)
	if len(cfg.CORS.AllowedOrigins) == 0 {
		r.Use(func(c *gin.Context) {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
			c.Next()
		})
		r.Use(cors.New(cors.Config{
			AllowAllOrigins:  true,
			AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", "X-User-ID"},
			ExposeHeaders:    []string{"X-Request-ID", "Content-Length"},
			AllowCredentials: false, // must remain false with AllowAllOrigins
			MaxAge:           12 * time.Hour,
		}))
	} else {
		allowed := make(map[string]struct{}, len(cfg.CORS.AllowedOrigins))
		for _, o := range cfg.CORS.AllowedOrigins {
			allowed[o] = struct{}{}
		}
		r.Use(func(c *gin.Context) {
			if origin := c.GetHeader("Origin"); origin != "" {
				if _, ok := allowed[origin]; ok {
					h := c.Writer.Header()
					h.Set("Access-Control-Allow-Origin", origin)
					h.Add("Vary", "Origin")
				}
			}
			c.Next()
		})
		r.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.CORS.AllowedOrigins,
			AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", "X-User-ID"},
			ExposeHeaders:    []string{"X-Request-ID", "Content-Length"},
			AllowCredentials: false,
			MaxAge:           12 * time.Hour,
		}))
	}

	// Security headers; billing responses are never cacheable.
	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnableHSTS: cfg.Security.EnableHSTS,
		HSTSMaxAge: cfg.Security.HSTSMaxAge,
		NoStore:    true,
	}))

	// Fallbacks
	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	// Liveness/health
	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	// API docs
	if cfg.SwaggerEnabled {
		r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	// Dependency injection: services ← repo/db/platforms
	cache := services.NewPremiumCache(cfg.PremiumTTL)
	bus := events.LogBus{}
	billingSvc := services.NewBillingService(db, paymentRepoShim{}, subscriptionRepoShim{}, google, apple, bus, cache)
	cancelSvc := services.NewCancelService(db, subscriptionRepoShim{}, google, apple, bus, cache)
	h := handlers.New(billingSvc, cancelSvc)

	// Public API
	api := groupWithPrefix(r, cfg.APIBasePath)
	{
		// Billing
		api.POST("/billing/purchases/verify", h.VerifyPurchase)
		api.POST("/billing/subscription/free", h.SubscribeFree)
		api.GET("/billing/subscription", h.GetSubscription)
		api.DELETE("/billing/subscription", h.CancelSubscription)
		api.GET("/billing/premium", h.GetPremium)
		api.GET("/billing/plans", h.ListPlans)
	}
}

// limitBody returns a Gin middleware that caps the request body size for all
// endpoints to maxBytes using http.MaxBytesReader. Requests exceeding the
// cap will cause downstream body reads to error.
func limitBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// groupWithPrefix mounts a group at prefix, treating "/" (or empty) as root.
func groupWithPrefix(r *gin.Engine, prefix string) *gin.RouterGroup {
	if prefix == "" || prefix == "/" {
		return r.Group("")
	}
	return r.Group(prefix)
}
