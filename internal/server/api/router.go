package api

import (
	"net/http"

	"vidvault/internal/server/config"
	"vidvault/internal/server/ratelimit"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// SetupRouter creates and configures the echo router with all routes and middleware.
func SetupRouter(handler *Handler, cfg *config.Config, limiter *ratelimit.Limiter) *echo.Echo {
	e := echo.New()
	e.HideBanner = true

	// Global middleware
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     []string{cfg.BaseURL},
		AllowMethods:     []string{http.MethodGet, http.MethodHead, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{echo.HeaderContentType, echo.HeaderAuthorization, "Range"},
		ExposeHeaders:    []string{"Content-Range", echo.HeaderContentLength, "Accept-Ranges"},
		AllowCredentials: true,
	}))
	e.Use(RequestLogger())
	e.Use(Authenticate([]byte(cfg.JWTSecret)))

	limit := RateLimit(limiter)
	streamMethods := []string{http.MethodGet, http.MethodHead}

	// Health & stats
	e.GET("/health", handler.HandleHealth)
	e.GET("/api/stats", handler.HandleStats, RequireAdmin())

	// Playback URLs
	e.GET("/api/videos", handler.HandleLibrary)
	e.POST("/api/playback/:slug", handler.HandlePlayback)
	e.GET("/watch/:slug", handler.HandleWatch)

	// Streaming (rate-limited)
	e.Match(streamMethods, "/secure-videos/:slug", handler.HandleStream, limit)
	e.Match(streamMethods, "/secure-videos/:slug/", handler.HandleStream, limit)
	e.Match(streamMethods, "/", handler.HandleLegacyStream, limit)
	e.POST("/api/stream", handler.HandleWindow, limit)

	// Chunked upload (admin, rate-limited)
	uploads := e.Group("/api/uploads", RequireAdmin(), limit)
	uploads.POST("", handler.HandleInitUpload)
	uploads.PUT("/:id/chunks/:index", handler.HandlePutChunk)
	uploads.POST("/:id/complete", handler.HandleCompleteUpload)
	uploads.DELETE("/:id", handler.HandleAbandonUpload)

	// Asset and entitlement administration
	admin := e.Group("/api/admin", RequireAdmin())
	admin.GET("/assets", handler.HandleListAssets)
	admin.GET("/assets/:slug/check", handler.HandleCheckAsset)
	admin.POST("/assets/:slug/repair", handler.HandleRepairAsset)
	admin.GET("/assets/:slug/stats", handler.HandleViewStats)
	admin.POST("/entitlements", handler.HandleGrant)
	admin.DELETE("/entitlements", handler.HandleRevoke)

	return e
}
