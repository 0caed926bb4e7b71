package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	custommiddleware "github.com/mmeshcher/points-system/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса баллов.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/points", func(r chi.Router) {
			r.Post("/award", h.Award)
			r.Post("/award/reverse", h.ReverseAward)
			r.Post("/redeem", h.Redeem)
			r.Post("/redeem/reverse", h.ReverseRedemption)

			r.Get("/balance/{memberID}", h.GetBalance)
			r.Get("/transactions/{memberID}", h.GetTransactions)
		})

		r.Route("/configs", func(r chi.Router) {
			r.Get("/", h.ListConfigs)
			r.Put("/{key}", h.UpdateConfig)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
