// Package handler содержит HTTP-обработчики API сервиса marketpay.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/marketpay/internal/escrow"
	"github.com/mmeshcher/marketpay/internal/middleware"
	"github.com/mmeshcher/marketpay/internal/model"
	"github.com/mmeshcher/marketpay/internal/service"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	InitDeposit(ctx context.Context, buyerID, email string, amount decimal.Decimal) (*service.DepositInit, error)
	VerifyDeposit(ctx context.Context, buyerID, reference string) (*service.DepositStatus, error)

	PlaceOrder(ctx context.Context, buyerID, productID string) (*model.Order, *model.Escrow, error)
	ListOrders(ctx context.Context, owner model.Owner) ([]model.Order, error)
	ListEscrows(ctx context.Context, owner model.Owner) ([]model.Escrow, error)
	MarkDelivered(ctx context.Context, orderID, sellerID string) (*model.Escrow, error)
	ConfirmDelivery(ctx context.Context, orderID, buyerID string) (*model.Escrow, error)
	RequestRefund(ctx context.Context, orderID, buyerID string) (*model.Escrow, error)
	ApproveRefund(ctx context.Context, escrowID string) (*model.Escrow, error)
	MarkDisputed(ctx context.Context, escrowID, reason string) (*model.Escrow, error)
	ReconcileEscrowProjections(ctx context.Context, repair bool) (*escrow.ReconcileReport, error)

	GetWallet(ctx context.Context, owner model.Owner) (*model.Wallet, error)
	GetRevenue(ctx context.Context) (*model.RevenueWallet, error)
	ListTransactions(ctx context.Context, owner model.Owner) ([]model.Transaction, error)

	SaveBankDetails(ctx context.Context, sellerID string, bank model.BankDetails) (*model.PayoutProfile, error)
	RequestWithdrawal(ctx context.Context, sellerID string, amount decimal.Decimal) (*model.Withdrawal, error)
	CompensateWithdrawal(ctx context.Context, withdrawalID, reason string) error
	ListWithdrawals(ctx context.Context, sellerID string) ([]model.Withdrawal, error)
	ListAllWithdrawals(ctx context.Context) ([]model.Withdrawal, error)
}

// Webhook принимает события платёжного шлюза.
type Webhook interface {
	Ingest(ctx context.Context, raw []byte, signature string) error
}

// Handler реализует HTTP-обработчики API сервиса marketpay.
type Handler struct {
	service        Service
	webhook        Webhook
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, wh Webhook, logger *zap.Logger, auth *middleware.AuthMiddleware) *Handler {
	return &Handler{
		service:        s,
		webhook:        wh,
		logger:         logger,
		authMiddleware: auth,
	}
}

const maxBodySize = 1 << 20

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	defer r.Body.Close()

	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(dst); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return false
	}
	return true
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("encode response error", zap.Error(err))
	}
}

// writeList отвечает 204 на пустой список, как и остальные списочные методы API.
func writeList[T any](h *Handler, w http.ResponseWriter, items []T) {
	if len(items) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	h.writeJSON(w, http.StatusOK, items)
}

// writeError переводит ошибку бизнес-логики в HTTP-статус.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, model.ErrManualReconciliation):
		h.logger.Error("request needs manual reconciliation",
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		http.Error(w, "internal error, please contact support", http.StatusInternalServerError)
	case errors.Is(err, model.ErrWithdrawalRefunded):
		http.Error(w, model.ErrWithdrawalRefunded.Error(), http.StatusBadGateway)
	case errors.Is(err, model.ErrGatewayUnavailable):
		http.Error(w, "payment gateway unavailable, please retry", http.StatusBadGateway)
	case errors.Is(err, model.ErrInvalidSignature):
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
	case errors.Is(err, model.ErrInsufficientFunds):
		http.Error(w, model.ErrInsufficientFunds.Error(), http.StatusPaymentRequired)
	case errors.Is(err, model.ErrNotFound):
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	case errors.Is(err, model.ErrAlreadyResolved):
		http.Error(w, model.ErrAlreadyResolved.Error(), http.StatusConflict)
	case errors.Is(err, model.ErrValidation):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, context.Canceled):
		// Клиент ушёл, отвечать некому.
	default:
		h.logger.Error("request error", zap.String("path", r.URL.Path), zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

// owner возвращает кошелёк участника запроса. Администратор своего кошелька не имеет.
func owner(w http.ResponseWriter, r *http.Request) (middleware.Identity, model.Owner, bool) {
	identity, ok := middleware.IdentityFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return identity, model.Owner{}, false
	}

	switch identity.Role {
	case middleware.RoleBuyer:
		return identity, model.Buyer(identity.ID), true
	case middleware.RoleSeller:
		return identity, model.Seller(identity.ID), true
	}
	http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
	return identity, model.Owner{}, false
}

// GetWallet возвращает кошелёк текущего участника.
func (h *Handler) GetWallet(w http.ResponseWriter, r *http.Request) {
	_, o, ok := owner(w, r)
	if !ok {
		return
	}

	wallet, err := h.service.GetWallet(r.Context(), o)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, wallet)
}

// GetTransactions возвращает журнал операций текущего участника.
func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	_, o, ok := owner(w, r)
	if !ok {
		return
	}

	txs, err := h.service.ListTransactions(r.Context(), o)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeList(h, w, txs)
}
