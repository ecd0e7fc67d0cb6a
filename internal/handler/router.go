package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
)

// Handlers はルーターに登録するハンドラをまとめる。
type Handlers struct {
	Health    *HealthHandler
	Rotation  *RotationHandler
	Secret    *SecretHandler
	Migration *MigrationHandler
}

// NewRouter はルーターを生成する。
func NewRouter(h Handlers) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", h.Health.Liveness)
	r.Get("/readyz", h.Health.Readiness)

	r.Route("/v1", func(r chi.Router) {
		r.Route("/rotation", func(r chi.Router) {
			r.Post("/", h.Rotation.Rotate)
			r.Get("/status", h.Rotation.Status)
			r.Get("/policy", h.Rotation.GetPolicy)
			r.Patch("/policy", h.Rotation.UpdatePolicy)
			r.Get("/audit", h.Rotation.AuditLog)
			r.Post("/events/{kind}", h.Rotation.EnvironmentChange)
		})

		r.Route("/key-versions", func(r chi.Router) {
			r.Get("/", h.Rotation.ListKeyVersions)
			r.Delete("/{id}", h.Rotation.RemoveKeyVersion)
		})

		r.Route("/secrets", func(r chi.Router) {
			r.Get("/", h.Secret.List)
			r.Put("/{name}", h.Secret.Put)
			r.Get("/{name}", h.Secret.Get)
			r.Delete("/{name}", h.Secret.Delete)
			r.Get("/{name}/metadata", h.Secret.Metadata)
			r.Put("/{name}/legacy", h.Secret.ImportLegacy)
		})

		r.Route("/migrations/legacy", func(r chi.Router) {
			r.Get("/", h.Migration.Status)
			r.Post("/", h.Migration.Run)
		})
	})

	return r
}
