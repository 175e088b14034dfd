package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	custommiddleware "github.com/mmeshcher/flux-system/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса FLUX.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/api", func(r chi.Router) {
		r.Post("/auth/register", h.Register)
		r.Post("/auth/login", h.Login)

		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)

			r.Route("/orders", func(r chi.Router) {
				r.Post("/", h.CreateOrder)
				r.Get("/", h.GetOrders)
				r.Get("/available", h.GetAvailableOrders)

				r.Route("/{orderID}", func(r chi.Router) {
					r.Get("/", h.GetOrder)
					r.Post("/accept", h.AcceptOrder)
					r.Post("/cancel", h.CancelOrder)
					r.Post("/confirm", h.ConfirmOrder)
					r.Post("/complete", h.CompleteOrder)
					r.Post("/sos", h.SendSOS)
				})
			})

			r.Route("/deliveries/{deliveryID}", func(r chi.Router) {
				r.Get("/code", h.GetDeliveryCode)
				r.Post("/validate", h.ValidateDeliveryCode)
			})

			r.Route("/admin", func(r chi.Router) {
				r.Get("/orders/stale", h.GetStaleOrders)
				r.Post("/users/{userID}/subscription", h.GrantSubscription)
			})

			r.Get("/ws", h.Subscribe)
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
