package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/tendant/simple-records/pkg/simplerecords"
)

// Routes wires the ensemble, lineage and record endpoints onto one router
func Routes(service simplerecords.Service, options ...HandlerOption) chi.Router {
	ensembles := NewEnsembleHandler(service)
	records := NewRecordHandler(service, options...)

	r := chi.NewRouter()
	r.Use(RecoveryMiddleware)

	r.Route("/ensembles", func(r chi.Router) {
		r.Post("/", ensembles.CreateEnsemble)
		r.Route("/{ensemble}", func(r chi.Router) {
			r.Get("/", ensembles.GetEnsemble)
			r.Delete("/", ensembles.DeleteEnsemble)
			r.Get("/parameters", ensembles.ListParameters)
			r.Get("/responses", ensembles.ListResponses)
			r.Mount("/records", records.EnsembleRoutes())
		})
	})
	r.Post("/updates", ensembles.CreateUpdate)
	r.Mount("/records", records.Routes())

	return r
}
