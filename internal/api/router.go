package api

import (
	"github.com/go-chi/chi/v5"
)

// Mount registers every endpoint on r
func (h *Handler) Mount(r chi.Router) {
	// Public endpoints
	r.Post("/auth/register", h.Register)
	r.Post("/auth/login", h.Login)

	// Protected endpoints (require JWT)
	r.Group(func(r chi.Router) {
		r.Use(h.JWTAuthMiddleware)
		r.Get("/ws", h.Subscribe)
		r.Get("/transactions", h.GetUserTransactions)

		r.Route("/portfolios", func(r chi.Router) {
			r.Get("/", h.ListPortfolios)
			r.Post("/", h.CreatePortfolio)
			r.Get("/{id}", h.GetPortfolio)
			r.Patch("/{id}", h.UpdatePortfolio)
			r.Delete("/{id}", h.DeletePortfolio)
			r.Post("/{id}/orders", h.PlaceOrder)
			r.Get("/{id}/transactions", h.GetPortfolioTransactions)
			r.Get("/{id}/access", h.GetAccess)
		})

		r.Post("/classrooms", h.CreateClassroom)
		r.Post("/classrooms/{id}/students", h.EnrollStudent)
	})
}
