package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/mmeshcher/marketpay/internal/metrics"
	custommiddleware "github.com/mmeshcher/marketpay/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса marketpay.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))
	r.Use(metrics.Middleware)

	r.Handle("/metrics", metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Post("/payment/webhook/paystack", h.PaystackWebhook)

		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)

			r.Group(func(r chi.Router) {
				r.Use(custommiddleware.RequireRole(custommiddleware.RoleBuyer))

				r.Post("/payment/deposit/init", h.InitDeposit)
				r.Get("/payment/deposit/verify", h.VerifyDeposit)
				r.Post("/orders", h.PlaceOrder)
				r.Post("/escrow/confirm-delivery", h.ConfirmDelivery)
				r.Post("/escrow/request-refund", h.RequestRefund)
			})

			r.Group(func(r chi.Router) {
				r.Use(custommiddleware.RequireRole(custommiddleware.RoleSeller))

				r.Post("/escrow/mark-delivered", h.MarkDelivered)
				r.Post("/seller/bank-details", h.SaveBankDetails)
				r.Post("/withdrawals", h.Withdraw)
				r.Get("/withdrawals", h.GetWithdrawals)
			})

			r.Group(func(r chi.Router) {
				r.Use(custommiddleware.RequireRole(custommiddleware.RoleBuyer, custommiddleware.RoleSeller))

				r.Get("/orders", h.GetOrders)
				r.Get("/escrows", h.GetEscrows)
				r.Get("/wallet", h.GetWallet)
				r.Get("/wallet/transactions", h.GetTransactions)
			})

			r.Group(func(r chi.Router) {
				r.Use(custommiddleware.RequireRole(custommiddleware.RoleAdmin))

				r.Post("/escrow/approve-refund", h.ApproveRefund)
				r.Post("/escrow/dispute", h.Dispute)
				r.Get("/admin/withdrawals", h.GetAllWithdrawals)
				r.Post("/admin/withdrawals/{id}/compensate", h.CompensateWithdrawal)
				r.Get("/admin/revenue", h.GetRevenue)
				r.Post("/admin/escrow/reconcile", h.Reconcile)
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
