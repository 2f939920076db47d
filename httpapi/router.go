package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Router assembles the HTTP surface. Health and metrics stay outside the
// authenticated tree.
func (a *API) Router() http.Handler {
	var r = chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(observe)
		r.Use(a.auth)

		r.Route("/databases", func(r chi.Router) {
			r.Get("/", a.listDatabases)
			r.Post("/{dbId}", a.provisionDatabase)
			r.Delete("/{dbId}", a.deprovisionDatabase)
			r.Get("/{dbId}/backup", a.backupDatabase)
		})

		r.Route("/users", func(r chi.Router) {
			r.Get("/", a.listUsers)
			r.Post("/", a.createUser)
			r.Delete("/{name}", a.revokeUser)
			r.Put("/{name}/permissions", a.updateUserPerms)
			r.Post("/{name}/rotate-key", a.rotateUserKey)
		})

		r.Route("/{dbId}", func(r chi.Router) {
			r.Get("/collections", a.listCollections)
			r.Post("/collections/{collection}", a.createCollection)
			r.Delete("/collections/{collection}", a.dropCollection)

			r.Route("/{collection}", func(r chi.Router) {
				r.Route("/documents", func(r chi.Router) {
					r.Get("/", a.listDocuments)
					r.Post("/", a.insertDocument)
					r.Get("/{id}", a.getDocument)
					r.Put("/{id}", a.replaceDocument)
					r.Delete("/{id}", a.deleteDocument)
				})
				r.Post("/query", a.runQuery)
				r.Post("/count", a.runCount)
				r.Post("/vector-search", a.vectorSearch)
				r.Get("/vector-source", a.getVectorSource)
				r.Put("/vector-source", a.setVectorSource)
			})
		})
	})
	return r
}
