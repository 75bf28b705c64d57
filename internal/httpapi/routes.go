package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/modelrelay/modelrelay/internal/auth"
)

// MountRoutes attaches the public API, the metrics endpoint, and the
// admin surface. adminToken guards /admin/v1; empty disables it.
func MountRoutes(r chi.Router, d Dependencies, adminToken string) {
	// Liveness: can the engine route at all.
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		tiers := d.Engine.Pool().ListTiers()
		enabled := 0
		for _, t := range tiers {
			if t.Enabled {
				enabled++
			}
		}
		code := http.StatusOK
		status := "ok"
		if enabled == 0 {
			code = http.StatusServiceUnavailable
			status = "unhealthy"
		}
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status": status,
			"tiers":  len(tiers),
		})
	})

	r.Post("/chat", ChatHandler(d))
	r.Post("/route", RouteHandler(d))
	r.Get("/health", HealthHandler(d))
	r.Get("/quotas/status", QuotasHandler(d))

	r.Handle("/metrics", d.Metrics.Handler())

	r.Route("/admin/v1", func(r chi.Router) {
		r.Use(auth.AdminMiddleware(adminToken))

		r.Get("/breakers", BreakersHandler(d))
		r.Post("/breakers/{target}/reset", BreakerResetHandler(d))
		r.Get("/sessions", SessionsHandler(d))
		r.Get("/sessions/{key}", SessionGetHandler(d))
		r.Delete("/sessions/{key}", SessionDeleteHandler(d))
		r.Get("/heartbeats", HeartbeatsHandler(d))
		r.Get("/spend", SpendHandler(d))
		r.Get("/stats", StatsHandler(d))
		r.Get("/tiers", TiersHandler(d))

		r.Post("/apikeys", KeysCreateHandler(d))
		r.Get("/apikeys", KeysListHandler(d))
		r.Post("/apikeys/{id}/rotate", KeysRotateHandler(d))
		r.Delete("/apikeys/{id}", KeysRevokeHandler(d))

		if d.EventBus != nil {
			r.Get("/events", SSEHandler(d.EventBus))
		}
	})
}
