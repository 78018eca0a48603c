package handler

import (
	"net/http"

	"github.com/mmeshcher/marketpay/internal/middleware"
	"github.com/mmeshcher/marketpay/internal/model"
)

type placeOrderRequest struct {
	ProductID string `json:"productId"`
}

type placeOrderResponse struct {
	Order  *model.Order  `json:"order"`
	Escrow *model.Escrow `json:"escrow"`
}

// PlaceOrder оформляет заказ покупателя и блокирует его стоимость в эскроу.
func (h *Handler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	identity, _ := middleware.IdentityFromContext(r.Context())

	var req placeOrderRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.ProductID == "" {
		http.Error(w, "productId is required", http.StatusBadRequest)
		return
	}

	order, esc, err := h.service.PlaceOrder(r.Context(), identity.ID, req.ProductID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, placeOrderResponse{Order: order, Escrow: esc})
}

// GetOrders возвращает заказы покупателя или продавца.
func (h *Handler) GetOrders(w http.ResponseWriter, r *http.Request) {
	_, o, ok := owner(w, r)
	if !ok {
		return
	}

	orders, err := h.service.ListOrders(r.Context(), o)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeList(h, w, orders)
}

// GetEscrows возвращает эскроу покупателя или продавца.
func (h *Handler) GetEscrows(w http.ResponseWriter, r *http.Request) {
	_, o, ok := owner(w, r)
	if !ok {
		return
	}

	escrows, err := h.service.ListEscrows(r.Context(), o)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeList(h, w, escrows)
}

type orderActionRequest struct {
	OrderID string `json:"orderId"`
}

type escrowActionRequest struct {
	EscrowID string `json:"escrowId"`
	Reason   string `json:"reason"`
}

// orderAction разбирает orderId и вызывает переход эскроу от имени участника.
func (h *Handler) orderAction(action func(r *http.Request, orderID, actorID string) (*model.Escrow, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity, _ := middleware.IdentityFromContext(r.Context())

		var req orderActionRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		if req.OrderID == "" {
			http.Error(w, "orderId is required", http.StatusBadRequest)
			return
		}

		esc, err := action(r, req.OrderID, identity.ID)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		h.writeJSON(w, http.StatusOK, esc)
	}
}

// MarkDelivered отмечает отправку заказа продавцом.
func (h *Handler) MarkDelivered(w http.ResponseWriter, r *http.Request) {
	h.orderAction(func(r *http.Request, orderID, sellerID string) (*model.Escrow, error) {
		return h.service.MarkDelivered(r.Context(), orderID, sellerID)
	})(w, r)
}

// ConfirmDelivery подтверждает получение заказа покупателем.
func (h *Handler) ConfirmDelivery(w http.ResponseWriter, r *http.Request) {
	h.orderAction(func(r *http.Request, orderID, buyerID string) (*model.Escrow, error) {
		return h.service.ConfirmDelivery(r.Context(), orderID, buyerID)
	})(w, r)
}

// RequestRefund фиксирует запрос покупателя на возврат.
func (h *Handler) RequestRefund(w http.ResponseWriter, r *http.Request) {
	h.orderAction(func(r *http.Request, orderID, buyerID string) (*model.Escrow, error) {
		return h.service.RequestRefund(r.Context(), orderID, buyerID)
	})(w, r)
}

// ApproveRefund возвращает эскроу покупателю.
func (h *Handler) ApproveRefund(w http.ResponseWriter, r *http.Request) {
	var req escrowActionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.EscrowID == "" {
		http.Error(w, "escrowId is required", http.StatusBadRequest)
		return
	}

	esc, err := h.service.ApproveRefund(r.Context(), req.EscrowID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, esc)
}

// Dispute переводит эскроу в спор.
func (h *Handler) Dispute(w http.ResponseWriter, r *http.Request) {
	var req escrowActionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.EscrowID == "" {
		http.Error(w, "escrowId is required", http.StatusBadRequest)
		return
	}

	esc, err := h.service.MarkDisputed(r.Context(), req.EscrowID, req.Reason)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, esc)
}

// Reconcile сверяет проекции эскроу; с repair=true исправляет кошельки продавцов.
func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	repair := r.URL.Query().Get("repair") == "true"

	report, err := h.service.ReconcileEscrowProjections(r.Context(), repair)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, report)
}
