package api

import (
	"net/http"
	"strconv"

	"satchel/internal/server/config"
	"satchel/internal/server/ratelimit"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// multipartOverhead is allowed on top of the upload size limit for form
// boundaries and fields.
const multipartOverhead = 1 << 20

// ipExtractor decides which address rate limits are keyed on. Forwarded
// headers are only believed when they arrive from a configured proxy.
func ipExtractor(cfg *config.Config) echo.IPExtractor {
	ranges, err := cfg.TrustedProxyRanges()
	if err != nil || len(ranges) == 0 {
		return echo.ExtractIPDirect()
	}
	opts := []echo.TrustOption{
		echo.TrustLoopback(false),
		echo.TrustLinkLocal(false),
		echo.TrustPrivateNet(false),
	}
	for _, r := range ranges {
		opts = append(opts, echo.TrustIPRange(r))
	}
	return echo.ExtractIPFromXFFHeader(opts...)
}

// SetupRouter creates and configures the echo router with all routes and middleware.
func SetupRouter(handler *Handler, cfg *config.Config, apiLimiter, uploadLimiter ratelimit.Limiter) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.IPExtractor = ipExtractor(cfg)

	// Global middleware
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:  cfg.CORSOrigins,
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders:  []string{echo.HeaderContentType, echo.HeaderAuthorization, passwordHeader},
		ExposeHeaders: []string{echo.HeaderContentDisposition, "Retry-After"},
	}))
	e.Use(RequestLogger())

	e.GET("/health", handler.HandleHealth)

	// Downloads are rate limited inside the gateway, after the upload
	// itself has been checked.
	dl := e.Group("/download/:slug")
	dl.GET("/all", handler.HandleDownloadAll)
	dl.GET("/file", handler.HandleDownloadFile)
	dl.POST("/selected", handler.HandleDownloadSelected)
	dl.GET("/folder", handler.HandleDownloadFolder)

	pub := e.Group("/api/uploads/:slug", RateLimit(apiLimiter))
	pub.GET("", handler.HandleInfo)
	pub.POST("/ratings", handler.HandleToggleRating)

	auth := AdminAuth(cfg.AdminToken)
	e.POST("/api/admin/uploads", handler.HandleUpload,
		RateLimit(uploadLimiter),
		auth,
		middleware.BodyLimit(strconv.FormatInt(cfg.MaxUploadSize+multipartOverhead, 10)),
	)
	e.DELETE("/api/admin/uploads/:slug", handler.HandleDeleteUpload, RateLimit(apiLimiter), auth)
	e.DELETE("/api/admin/uploads/:slug/files", handler.HandleDeleteFile, RateLimit(apiLimiter), auth)
	e.GET("/api/stats", handler.HandleStats, RateLimit(apiLimiter), auth)

	return e
}
