package rest

import (
	"net/http"

	"github.com/go-chi/chi"
	chiMiddleware "github.com/go-chi/chi/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/frahmantamala/member-payments/api"
	"github.com/frahmantamala/member-payments/internal/intent"
	"github.com/frahmantamala/member-payments/internal/transport"
	"github.com/frahmantamala/member-payments/internal/transport/middleware"
	"github.com/frahmantamala/member-payments/internal/transport/swagger"
	"github.com/frahmantamala/member-payments/internal/webhook"
)

// Routes is everything the HTTP surface needs. Authenticator and Validator are optional.
type Routes struct {
	Base          *transport.BaseHandler
	Intents       *intent.Handler
	Webhooks      *webhook.Handler
	Authenticator *middleware.Authenticator
	Validator     *middleware.RequestValidator
	HealthChecks  map[string]Check
	MetricsPath   string
}

func RegisterAllRoutes(router chi.Router, routes Routes) {
	healthHandler := NewHealthHandler(routes.Base, routes.HealthChecks)

	router.Use(middleware.RequestID)
	router.Use(chiMiddleware.RealIP)
	router.Use(middleware.RecoveryMiddleware(routes.Base.Logger))
	router.Use(middleware.LoggingMiddleware)

	if routes.MetricsPath != "" {
		router.Handle(routes.MetricsPath, promhttp.Handler())
	}

	router.Get("/openapi.yml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/yaml")
		_, _ = w.Write(api.Spec)
	})
	router.Handle("/swagger/*", swagger.Handler())

	router.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", healthHandler.healthCheckHandler)
		r.Get("/ping", healthHandler.pingHandler)

		r.Group(func(vr chi.Router) {
			if routes.Validator != nil {
				vr.Use(routes.Validator.Middleware)
			}

			// The gateway authenticates with its signature, not a bearer token.
			if routes.Webhooks != nil {
				vr.Post("/webhooks/gateway", routes.Webhooks.HandleGatewayEvent)
			}

			if routes.Intents != nil {
				vr.Group(func(pr chi.Router) {
					if routes.Authenticator != nil {
						pr.Use(routes.Authenticator.Middleware)
					}
					pr.Post("/intents", routes.Intents.CreateIntent)
					pr.Get("/intents/{id}", routes.Intents.GetIntent)
					pr.Post("/intents/{id}/cancel", routes.Intents.CancelIntent)
				})
			}
		})
	})
}
