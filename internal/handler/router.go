package handler

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/makkenzo/keytier-api/internal/handler/middleware"
	"github.com/makkenzo/keytier-api/internal/ierr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type RouterDeps struct {
	Keys         *KeyHandler
	Tiers        *TierHandler
	Meter        *MeterHandler
	Health       *HealthHandler
	OperatorAuth gin.HandlerFunc
	APIKeyAuth   gin.HandlerFunc
	// Gatherer serves /metrics; nil uses the default registry.
	Gatherer     prometheus.Gatherer
	AllowOrigins []string
	Logger       *zap.Logger
}

func NewRouter(d RouterDeps) *gin.Engine {
	router := gin.New()
	router.Use(gin.LoggerWithFormatter(func(param gin.LogFormatterParams) string {
		return fmt.Sprintf("%s - [%s] \"%s %s %s %d %s \"%s\" %s\"\n",
			param.ClientIP,
			param.TimeStamp.Format(time.RFC1123),
			param.Method,
			param.Path,
			param.Request.Proto,
			param.StatusCode,
			param.Latency,
			param.Request.UserAgent(),
			param.ErrorMessage,
		)
	}))
	router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		d.Logger.Error("Panic recovered", zap.Any("panic", recovered), zap.Stack("stack"))
		_ = c.Error(ierr.ErrInternalServer)
		c.Abort()
	}))

	if len(d.AllowOrigins) > 0 {
		router.Use(cors.New(cors.Config{
			AllowOrigins: d.AllowOrigins,
			AllowMethods: []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
			AllowHeaders: []string{
				"Origin",
				"Content-Type",
				"Accept",
				"Authorization",
				middleware.APIKeyHeader,
				idempotencyKeyHeader,
			},
			ExposeHeaders:    []string{"Content-Length", "Retry-After", "X-RateLimit-Limit", "X-RateLimit-Remaining"},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}))
	}
	router.Use(middleware.ErrorHandlerMiddleware(d.Logger))

	var metricsHandler http.Handler = promhttp.Handler()
	if d.Gatherer != nil {
		metricsHandler = promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{})
	}
	router.GET("/healthz", d.Health.Check)
	router.GET("/metrics", gin.WrapH(metricsHandler))

	apiV1 := router.Group("/api/v1")
	{
		apiV1.POST("/meter", d.APIKeyAuth, d.Meter.Consume)

		// takes the secret in the body, no operator token
		apiV1.POST("/keys/validate", d.Keys.Validate)

		keyRoutes := apiV1.Group("/keys")
		keyRoutes.Use(d.OperatorAuth)
		{
			keyRoutes.POST("", d.Keys.Generate)
			keyRoutes.GET("", d.Keys.List)
			keyRoutes.GET("/:id", d.Keys.Get)
			keyRoutes.POST("/:id/rotate", d.Keys.Rotate)
			keyRoutes.POST("/:id/migrate-tier", d.Keys.MigrateTier)
			keyRoutes.DELETE("/:id", d.Keys.Revoke)
			keyRoutes.GET("/:id/usage", d.Keys.Usage)
		}

		tierRoutes := apiV1.Group("/tiers")
		tierRoutes.Use(d.OperatorAuth)
		{
			tierRoutes.POST("", d.Tiers.Create)
			tierRoutes.GET("", d.Tiers.List)
			tierRoutes.POST("/preview-impact", d.Tiers.PreviewImpact)
			tierRoutes.GET("/:id", d.Tiers.Get)
			tierRoutes.PATCH("/:id", d.Tiers.Update)
			tierRoutes.DELETE("/:id", d.Tiers.Archive)
			tierRoutes.POST("/:id/clone", d.Tiers.Clone)
			tierRoutes.POST("/:id/subscriptions", d.Tiers.Subscribe)
		}
	}

	return router
}
