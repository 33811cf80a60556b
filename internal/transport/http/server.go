// Package http provides the HTTP server for the ledger.
package http

import (
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/xiaot623/paychat/internal/logger"
	"github.com/xiaot623/paychat/internal/service"
	v1 "github.com/xiaot623/paychat/internal/transport/http/v1"
)

// NewServer creates and configures the public HTTP server. Metrics from
// gatherer are served on /metrics when it is non-nil.
func NewServer(svc *service.Service, gatherer prometheus.Gatherer) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(logger.EchoMiddleware())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	// Handlers
	v1Handler := v1.NewHandler(svc)
	v1Handler.RegisterRoutes(e)

	if gatherer != nil {
		e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	return e
}
