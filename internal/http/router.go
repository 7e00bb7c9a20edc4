// Package httpapi wires the HTTP transport (Gin) to application services,
// middleware, and route handlers. It centralizes cross-cutting concerns such
// as tracing, correlation IDs, logging/redaction, panic recovery, metrics,
// CORS, security headers, and rate limiting.
//
// Design goals:
//   - Put observability first (OTel + Prometheus)
//   - Safe-by-default middleware ordering (RequestID → logging → recovery)
//   - Deterministic, minimal router setup; all dependencies injected
//   - Production-ready CORS and security header posture
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/gorm"

	"github.com/tbourn/go-image-backend/internal/config"
	"github.com/tbourn/go-image-backend/internal/domain"
	"github.com/tbourn/go-image-backend/internal/http/handlers"
	"github.com/tbourn/go-image-backend/internal/http/middleware"
	"github.com/tbourn/go-image-backend/internal/repo"
	"github.com/tbourn/go-image-backend/internal/services"
)

// generationRepoShim adapts the repository free functions to the
// services.GenerationRepo interface expected by the GenerationService. This
// keeps services decoupled from the concrete repo package while reusing
// existing functions.
type generationRepoShim struct{}

// GetSuccessful proxies repo.GetSuccessful.
func (generationRepoShim) GetSuccessful(ctx context.Context, db *gorm.DB, cacheHash string) (*domain.Generation, error) {
	return repo.GetSuccessful(ctx, db, cacheHash)
}

// GetByID proxies repo.GetByID.
func (generationRepoShim) GetByID(ctx context.Context, db *gorm.DB, id string) (*domain.Generation, error) {
	return repo.GetByID(ctx, db, id)
}

// UpsertSuccess proxies repo.UpsertSuccess.
func (generationRepoShim) UpsertSuccess(ctx context.Context, db *gorm.DB, p domain.GenerationParams, cacheHash string, payload []byte, contentType, providerName string, actor domain.Actor) (*domain.Generation, error) {
	return repo.UpsertSuccess(ctx, db, p, cacheHash, payload, contentType, providerName, actor)
}

// UpsertFailure proxies repo.UpsertFailure.
func (generationRepoShim) UpsertFailure(ctx context.Context, db *gorm.DB, p domain.GenerationParams, cacheHash, errorMessage, providerName string, actor domain.Actor) error {
	return repo.UpsertFailure(ctx, db, p, cacheHash, errorMessage, providerName, actor)
}

// FindFallback proxies repo.FindFallback.
func (generationRepoShim) FindFallback(ctx context.Context, db *gorm.DB, width, height int, style string) (*domain.Generation, string, error) {
	return repo.FindFallback(ctx, db, width, height, style)
}

// GenerationStats proxies repo.GenerationStats.
func (generationRepoShim) GenerationStats(ctx context.Context, db *gorm.DB, providerName string) ([]repo.ProviderStats, error) {
	return repo.GenerationStats(ctx, db, providerName)
}

// CountGenerations proxies repo.CountGenerations (pagination support).
func (generationRepoShim) CountGenerations(ctx context.Context, db *gorm.DB) (int64, error) {
	return repo.CountGenerations(ctx, db)
}

// ListGenerationsPage proxies repo.ListGenerationsPage (pagination support).
func (generationRepoShim) ListGenerationsPage(ctx context.Context, db *gorm.DB, offset, limit int) ([]domain.Generation, error) {
	return repo.ListGenerationsPage(ctx, db, offset, limit)
}

// RegisterRoutes attaches all middleware and HTTP endpoints to the given Gin
// engine. It configures observability (tracing, metrics), rate limiting,
// CORS and security headers, health and metrics endpoints, and then mounts
// the public image API under the configured base path.
//
// Middleware order matters:
//  1. OpenTelemetry: trace everything
//  2. RequestID: generate/propagate correlation id
//  3. RedactingLogger: structured logs with secret scrubbing
//  4. Recovery: capture panics after logger
//  5. Body size limiter (sized for image uploads)
//  6. Metrics
//  7. Rate limiter (per user/IP)
//  8. CORS and Security headers
func RegisterRoutes(r *gin.Engine, db *gorm.DB, client services.ImageProvider, cfg config.Config) {
	r.HandleMethodNotAllowed = true

	// 1) Trace all HTTP requests
	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))

	// 2) Correlate requests and logs
	r.Use(middleware.RequestID())

	// 3) Structured logging with redaction
	r.Use(middleware.RedactingLogger(middleware.RedactOptions{
		MaskHeaders: []string{
			"X-Api-Key", // provider credential must never reach the logs
		},
	}))

	// 4) Panic recovery to JSON 500 (with request id)
	r.Use(middleware.Recovery())

	// 5) Global body size limit; POST /image carries image uploads
	r.Use(limitBody(cfg.MaxUploadBytes))

	// 6) Prometheus metrics and /metrics endpoint
	r.Use(middleware.Metrics())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// 7) Token-bucket rate limiter per user/IP
	rl := middleware.NewRateLimiter(cfg.RateRPS, cfg.RateBurst, middleware.KeyByUserOrIP())
	r.Use(rl.Handler())

	// 8) CORS posture. The image endpoints are meant for direct <img> tag
	// embedding from arbitrary pages, so allow-all is the sensible default.
	if len(cfg.CORS.AllowedOrigins) == 0 {
		// Force ACAO: * even for requests without an Origin header (helps tests and simple health checks).
		r.Use(func(c *gin.Context) {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
			c.Next()
		})
		r.Use(cors.New(cors.Config{
			AllowAllOrigins:  true,
			AllowMethods:     []string{"GET", "POST", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "X-User-ID", "X-App-ID"},
			ExposeHeaders:    []string{"X-Request-ID", "X-Cache-Status", "X-Operation", "X-Credits-Used", "X-Fallback-Type", "X-Generated-At", "Content-Length"},
			AllowCredentials: false, // must remain false with AllowAllOrigins
			MaxAge:           12 * time.Hour,
		}))
	} else {
		// Echo ACAO with the request Origin when it is in the allowlist (in addition to gin-contrib/cors).
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
			AllowMethods:     []string{"GET", "POST", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "X-User-ID", "X-App-ID"},
			ExposeHeaders:    []string{"X-Request-ID", "X-Cache-Status", "X-Operation", "X-Credits-Used", "X-Fallback-Type", "X-Generated-At", "Content-Length"},
			AllowCredentials: false,
			MaxAge:           12 * time.Hour,
		}))
	}

	// Security headers (HSTS only when enabled and request is HTTPS)
	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnableHSTS:   cfg.Security.EnableHSTS,
		HSTSMaxAge:   cfg.Security.HSTSMaxAge,
		NoStore:      false,
		EnablePolicy: true,
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

	// Dependency injection: service ← repo/db/provider
	genSvc := services.NewGenerationService(db, generationRepoShim{}, client)
	genSvc.Timeout = cfg.GenerateTimeout
	h := handlers.New(genSvc, cfg.DefaultStyle, cfg.APIBasePath)

	// Public API
	apiBase := cfg.APIBasePath // e.g. "/api/nanobanana"
	api := groupWithPrefix(r, apiBase)
	{
		// Binary image endpoints. The by-ID route is a single-segment sibling
		// of the width/height route; gin requires both to share the first
		// wildcard name, so it is registered as :width and the handler treats
		// that segment as the record ID.
		api.GET("/image/:width/:height", h.GenerateImage)
		api.GET("/image/:width", h.GetImage)
		api.POST("/image", h.PostImage)

		// JSON endpoints benefit from compression; the image payloads above
		// are already compressed formats and are left alone.
		js := api.Group("", gzip.Gzip(gzip.DefaultCompression))
		js.GET("/stats", h.GetStats)
		js.GET("/generations", h.ListGenerations)
	}
}

// limitBody returns a Gin middleware that caps the request body size for all
// endpoints to maxBytes using http.MaxBytesReader. Requests exceeding the cap
// will cause downstream body reads to error.
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
