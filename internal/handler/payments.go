package handler

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/marketpay/internal/middleware"
	"github.com/mmeshcher/marketpay/internal/model"
)

const signatureHeader = "x-paystack-signature"

type depositRequest struct {
	Email  string          `json:"email"`
	Amount decimal.Decimal `json:"amount"`
}

// InitDeposit создаёт платёж в шлюзе и возвращает ссылку на оплату.
func (h *Handler) InitDeposit(w http.ResponseWriter, r *http.Request) {
	identity, _ := middleware.IdentityFromContext(r.Context())

	var req depositRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	res, err := h.service.InitDeposit(r.Context(), identity.ID, req.Email, req.Amount)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

// VerifyDeposit возвращает состояние платежа по reference.
func (h *Handler) VerifyDeposit(w http.ResponseWriter, r *http.Request) {
	identity, _ := middleware.IdentityFromContext(r.Context())

	reference := r.URL.Query().Get("reference")
	if reference == "" {
		http.Error(w, "reference is required", http.StatusBadRequest)
		return
	}

	res, err := h.service.VerifyDeposit(r.Context(), identity.ID, reference)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

// PaystackWebhook принимает события шлюза. Тело передаётся дальше без изменений:
// подпись считается по сырым байтам.
func (h *Handler) PaystackWebhook(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	err = h.webhook.Ingest(r.Context(), raw, r.Header.Get(signatureHeader))
	switch {
	case err == nil:
		w.WriteHeader(http.StatusOK)
	case errors.Is(err, model.ErrInvalidSignature):
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
	case errors.Is(err, model.ErrValidation):
		h.logger.Warn("webhook rejected", zap.Error(err))
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		// 5xx заставит шлюз повторить доставку.
		h.logger.Error("webhook error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

// SaveBankDetails сохраняет реквизиты продавца для выплат.
func (h *Handler) SaveBankDetails(w http.ResponseWriter, r *http.Request) {
	identity, _ := middleware.IdentityFromContext(r.Context())

	var req model.BankDetails
	if !decodeJSON(w, r, &req) {
		return
	}

	profile, err := h.service.SaveBankDetails(r.Context(), identity.ID, req)
	if err != nil {
		if errors.Is(err, model.ErrValidation) {
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
			return
		}
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, profile)
}

type withdrawRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

// Withdraw выводит средства продавца на банковский счёт.
// Статус 200 означает, что выплата принята шлюзом. Статус 202 означает, что исход неизвестен и ожидает подтверждения.
func (h *Handler) Withdraw(w http.ResponseWriter, r *http.Request) {
	identity, _ := middleware.IdentityFromContext(r.Context())

	var req withdrawRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	wd, err := h.service.RequestWithdrawal(r.Context(), identity.ID, req.Amount)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	status := http.StatusOK
	if wd.Status == model.WithdrawalPending {
		status = http.StatusAccepted
	}
	h.writeJSON(w, status, wd)
}

// GetWithdrawals возвращает выводы текущего продавца.
func (h *Handler) GetWithdrawals(w http.ResponseWriter, r *http.Request) {
	identity, _ := middleware.IdentityFromContext(r.Context())

	withdrawals, err := h.service.ListWithdrawals(r.Context(), identity.ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeList(h, w, withdrawals)
}

// GetAllWithdrawals возвращает выводы всех продавцов.
func (h *Handler) GetAllWithdrawals(w http.ResponseWriter, r *http.Request) {
	withdrawals, err := h.service.ListAllWithdrawals(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeList(h, w, withdrawals)
}

type compensateRequest struct {
	Reason string `json:"reason"`
}

// CompensateWithdrawal вручную отменяет зависший вывод и возвращает средства продавцу.
func (h *Handler) CompensateWithdrawal(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req compensateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Reason == "" {
		http.Error(w, "reason is required", http.StatusBadRequest)
		return
	}

	if err := h.service.CompensateWithdrawal(r.Context(), id, req.Reason); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetRevenue возвращает кошелёк комиссий платформы.
func (h *Handler) GetRevenue(w http.ResponseWriter, r *http.Request) {
	revenue, err := h.service.GetRevenue(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, revenue)
}
