package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	custommiddleware "github.com/mmeshcher/invoicing-system/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса выставления счетов.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(custommiddleware.Logger(h.logger))
	r.Use(h.metrics.Middleware)
	r.Use(custommiddleware.GzipMiddleware)

	if h.metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.metrics.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		r.Post("/user/register", h.Register)
		r.Post("/user/login", h.Login)

		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)

			r.Post("/user/credentials", h.ConnectAccount)

			r.Route("/companies", func(r chi.Router) {
				r.Post("/", h.CreateCompany)
				r.Get("/", h.ListCompanies)
				r.Get("/{id}", h.GetCompany)
				r.Put("/{id}", h.UpdateCompany)
				r.Get("/{id}/next-number", h.NextInvoiceNumber)
			})

			r.Route("/invoices", func(r chi.Router) {
				r.Post("/", h.GenerateInvoice)
				r.Get("/", h.ListInvoices)
				r.Get("/{id}", h.GetInvoice)
				r.Post("/{id}/send", h.SendInvoice)
				r.Post("/{id}/pay", h.PayInvoice)
				r.Get("/{id}/pdf", h.InvoicePDF)
				r.Get("/{id}/history", h.SendHistory)
			})
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
