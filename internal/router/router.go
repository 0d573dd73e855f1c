package router // package router defines how HTTP routes are registered for the API

import (
	"github.com/labstack/echo/v4" // import the Echo web framework to handle routing
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/avetenim/event-ticketing/internal/handler"    // import the handlers that implement business logic
	"github.com/avetenim/event-ticketing/internal/middleware" // import middleware for JWT authentication and role enforcement
)

// RegisterRoutes registers routes that do not require authentication
// on the provided Echo instance: the health check used by load
// balancers and the Prometheus metrics endpoint.
func RegisterRoutes(e *echo.Echo) {
	e.GET("/healthz", handler.Health)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
}

// RegisterTicketing registers the purchase, cancellation and read
// endpoints.  All of them require a valid access token; the purchase
// and cancellation routes additionally pass through the Redis token
// bucket so one hot occurrence cannot be hammered into lock
// starvation by a single client.
func RegisterTicketing(e *echo.Echo, t *handler.TicketHandler, ev *handler.EventHandler, jwtSecret string, limiter echo.MiddlewareFunc) {
	auth := e.Group("/v1")
	auth.Use(middleware.JWTAuth(jwtSecret))
	auth.Use(middleware.RequireRole("ADMIN", "CUSTOMER"))

	// Browse upcoming occurrences.
	auth.GET("/events", ev.ListOccurrences)
	// Occurrence metadata with the live remaining count.
	auth.GET("/events/:id/occurrences/:date", t.GetOccurrence)
	// The synchronous purchase path.
	auth.POST("/events/:id/occurrences/:date/purchase", t.Purchase, limiter)
	// Cancellation is the structural inverse of purchase.
	auth.DELETE("/transactions/:id", t.Cancel, limiter)
	// Per-user ticket listing from the cache index.
	auth.GET("/my-tickets", t.ListMyTickets)
}

// RegisterAdmin registers the occurrence-seeding surface.  Only ADMIN
// tokens may create occurrences.
func RegisterAdmin(e *echo.Echo, ev *handler.EventHandler, jwtSecret string) {
	admin := e.Group("/v1/events")
	admin.Use(middleware.JWTAuth(jwtSecret))
	admin.Use(middleware.RequireRole("ADMIN"))
	admin.POST("", ev.CreateOccurrence)
}
