// Package api assembles the HTTP surface: provider webhooks, the Twilio call
// endpoints and the operator dashboard.
package api

import (
	"fmt"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/troikatech/callbridge/internal/api/handlers"
	"github.com/troikatech/callbridge/pkg/auth"
	"github.com/troikatech/callbridge/pkg/env"
	"github.com/troikatech/callbridge/pkg/middleware"
	"github.com/troikatech/callbridge/pkg/otel"
)

const defaultBodyLimit = 1 << 20

type RouterOptions struct {
	Config *env.Config
	// Redis enables rate limiting and idempotent call initiation on /api.
	Redis  *redis.Client
	Logger *zap.Logger
	// AccessLog writes one line per request to stdout.
	AccessLog bool
}

func NewRouter(h *handlers.Handler, opts RouterOptions) *gin.Engine {
	cfg := opts.Config
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.TraceMiddleware())
	router.Use(middleware.SecurityHeaders())
	if cfg.OTELEnabled {
		router.Use(otel.GinMiddleware())
	}
	router.Use(middleware.MetricsMiddleware())
	if opts.AccessLog {
		router.Use(gin.LoggerWithFormatter(func(param gin.LogFormatterParams) string {
			return fmt.Sprintf("[%s] %s %s %d %s\n",
				param.TimeStamp.Format(time.RFC3339),
				param.Method,
				param.Path,
				param.StatusCode,
				param.Latency,
			)
		}))
	}
	router.Use(cors.New(corsConfig(cfg)))

	limit := middleware.RequestSizeLimit(defaultBodyLimit)

	router.GET("/health", h.HealthCheck)
	router.GET("/metrics", h.GetPrometheusMetrics)

	// Provider callbacks authenticate with their own signatures.
	webhooks := router.Group("/webhook", limit)
	{
		webhooks.POST("/call_complete", h.CallComplete)
		webhooks.POST("/whatsapp_response", h.WhatsAppResponse)
	}

	router.GET("/outbound-call-twiml", h.OutboundCallTwiML)
	router.POST("/outbound-call-twiml", limit, h.OutboundCallTwiML)
	router.GET("/outbound-media-stream", h.OutboundMediaStream)

	router.GET("/ws/dashboard", middleware.AuthMiddleware(middleware.AuthConfig{
		Secret:     cfg.JWTSecret,
		Issuer:     cfg.JWTIssuer,
		Audience:   cfg.JWTAudience,
		QueryParam: "token",
	}), h.DashboardStream)
	static := router.Group("/static")
	{
		static.GET("/brochure.pdf", h.Brochure)
		static.GET("/calls/:call_id/summary.pdf", middleware.ValidateCallIDParam("call_id"), h.CallSummaryPDF)
	}

	api := router.Group("/api")
	api.Use(middleware.AuthMiddleware(middleware.AuthConfig{
		Secret:   cfg.JWTSecret,
		Issuer:   cfg.JWTIssuer,
		Audience: cfg.JWTAudience,
	}))
	if opts.Redis != nil {
		api.Use(middleware.NewRateLimiter(opts.Redis, cfg.APIRateLimitRPM, log).Middleware())
	}
	{
		initiate := []gin.HandlerFunc{limit}
		if opts.Redis != nil {
			initiate = append(initiate, middleware.IdempotencyMiddleware(opts.Redis, log))
		}
		api.POST("/initiate_call", append(initiate, h.InitiateCall)...)

		api.POST("/knowledge-base",
			middleware.RoleMiddleware(auth.RoleAdmin),
			middleware.RequestSizeLimit(handlers.MaxKnowledgeFileBytes+defaultBodyLimit),
			h.UploadKnowledge)

		api.GET("/calls", h.ListCalls)
		api.GET("/calls/summary", h.CallsSummary)

		call := api.Group("/call/:call_id", middleware.ValidateCallIDParam("call_id"))
		call.GET("", h.GetCall)
		call.POST("/dispatch", limit, h.DispatchCall)
	}

	return router
}

func corsConfig(cfg *env.Config) cors.Config {
	c := cors.DefaultConfig()
	if cfg.CORSAllowedOrigins == "" || cfg.CORSAllowedOrigins == "*" {
		c.AllowAllOrigins = true
	} else {
		var origins []string
		for _, o := range strings.Split(cfg.CORSAllowedOrigins, ",") {
			if o = strings.TrimSpace(o); o != "" {
				origins = append(origins, o)
			}
		}
		c.AllowOrigins = origins
		c.AllowCredentials = true
	}
	c.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "Idempotency-Key"}
	return c
}
