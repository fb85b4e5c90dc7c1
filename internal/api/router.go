package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func NewRouter(apiHandler *APIHandler) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Logger)       // Basic request logging
	r.Use(middleware.Recoverer)    // Recover from panics
	r.Use(middleware.StripSlashes) // Ensure consistent path handling

	// All API routes will be under /api
	r.Route("/api", func(r chi.Router) {
		// Public routes
		r.Post("/auth/register", apiHandler.RegisterHandler)
		r.Post("/auth/token", apiHandler.TokenHandler)
		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`{"status":"ok"}`))
		})

		// User-authenticated routes
		r.Group(func(r chi.Router) {
			r.Use(apiHandler.JWTAuthMiddleware)

			r.Post("/auth/change_role", apiHandler.ChangeRoleHandler)

			// Datasource routes; mutations check the datasource role
			// inside the handler.
			r.Route("/datasources", func(r chi.Router) {
				r.Get("/", apiHandler.ListDatasourcesHandler)
				r.Post("/", apiHandler.CreateDatasourceHandler)
				r.Post("/upload", apiHandler.UploadHandler)
				r.Get("/{name}", apiHandler.GetDatasourceHandler)
				r.Delete("/{name}", apiHandler.DeleteDatasourceHandler)
			})

			// Chat routes
			r.Post("/chat", apiHandler.ChatHandler)
			r.Post("/chat/stream", apiHandler.ChatStreamHandler)
		})
	})

	return r
}
