package api

import (
	"pagedrop/internal/server/metrics"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SetupRouter creates and configures the echo router with all routes and middleware.
func SetupRouter(handler *Handler) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HTTPErrorHandler = errorHandler

	// Global middleware
	e.Use(middleware.Recover())
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: uuid.NewString,
	}))
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders: []string{"Content-Type", "Authorization"},
	}))
	e.Use(Tracing())
	e.Use(RequestMetrics())
	e.Use(RequestLogger())

	auth := BasicAuth(handler.accounts)

	// Health & metrics
	e.GET("/health", handler.HandleHealth)
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{})))

	// Accounts
	e.POST("/register", handler.HandleRegister)
	e.POST("/login", handler.HandleLogin)

	// Publishing
	e.POST("/upload", handler.HandleUpload, auth)
	e.POST("/redeem", handler.HandleRedeem, auth)

	// Sites
	e.GET("/sites/:username", handler.HandleListSites)
	e.GET("/sites/:username/:site", handler.HandleSiteRoot)
	e.GET("/sites/:username/:site/*", handler.HandleServe)
	e.HEAD("/sites/:username/:site/*", handler.HandleServe)
	e.DELETE("/sites/:username/:site", handler.HandleDeleteSite, auth)

	// Admin
	admin := e.Group("/admin", auth, RequireAdmin())
	admin.POST("/generate_code", handler.HandleGenerateCode)
	admin.GET("/codes", handler.HandleListCodes)
	admin.DELETE("/codes/:code", handler.HandleRevokeCode)
	admin.GET("/users", handler.HandleListUsers)
	admin.GET("/stats", handler.HandleStats)

	return e
}
