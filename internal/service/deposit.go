package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/marketpay/internal/gateway"
	"github.com/mmeshcher/marketpay/internal/model"
	"github.com/mmeshcher/marketpay/internal/repository"
	"github.com/mmeshcher/marketpay/internal/validation"
)

// DepositInit содержит данные для перехода покупателя к оплате.
type DepositInit struct {
	AuthorizationURL string          `json:"authorizationUrl"`
	AccessCode       string          `json:"accessCode"`
	Reference        string          `json:"reference"`
	Amount           decimal.Decimal `json:"amount"`
	Fee              decimal.Decimal `json:"fee"`
	Total            decimal.Decimal `json:"total"`
}

// DepositStatus содержит состояние депозита по данным шлюза и журнала.
type DepositStatus struct {
	Reference     string             `json:"reference"`
	GatewayStatus string             `json:"gatewayStatus"`
	Transaction   *model.Transaction `json:"transaction"`
}

// InitDeposit создаёт платёж в шлюзе на сумму депозита плюс комиссию и
// записывает транзакцию в статусе pending. Балансы не меняются: зачисление
// выполняет вебхук charge.success.
func (s *Service) InitDeposit(ctx context.Context, buyerID, email string, amount decimal.Decimal) (*DepositInit, error) {
	if !validation.IsValidAmount(amount) {
		return nil, fmt.Errorf("deposit %s: %w", amount, model.ErrInvalidAmount)
	}
	email = strings.TrimSpace(email)
	if buyerID == "" || email == "" {
		return nil, fmt.Errorf("buyer and email are required: %w", model.ErrValidation)
	}

	fee := s.Fee(amount)
	total := amount.Add(fee)
	reference := "dep_" + uuid.NewString()

	charge, err := s.gateway.InitCharge(ctx, email, total, reference, gateway.ChargeMetadata{
		BuyerID:       buyerID,
		DepositAmount: amount.String(),
		Fee:           fee.String(),
	})
	if err != nil {
		s.logger.Warn("deposit init failed", zap.String("buyer_id", buyerID), zap.Error(err))
		return nil, fmt.Errorf("init deposit: %w: %w", model.ErrGatewayUnavailable, err)
	}
	if charge.Reference != "" {
		reference = charge.Reference
	}

	err = s.store.WithTx(ctx, func(tx repository.Tx) error {
		return tx.CreateTransaction(ctx, &model.Transaction{
			ID:        uuid.NewString(),
			Owner:     model.Buyer(buyerID),
			Reference: reference,
			Kind:      model.TransactionDeposit,
			Amount:    amount,
			Fee:       fee,
			Status:    model.TransactionPending,
		})
	})
	// Вебхук мог прийти раньше и уже создать транзакцию по этому reference.
	if err != nil && !errors.Is(err, model.ErrDuplicateReference) {
		return nil, fmt.Errorf("record deposit: %w", err)
	}

	s.logger.Info("deposit initialized",
		zap.String("buyer_id", buyerID),
		zap.String("reference", reference),
		zap.String("amount", amount.String()),
		zap.String("fee", fee.String()),
	)

	return &DepositInit{
		AuthorizationURL: charge.AuthorizationURL,
		AccessCode:       charge.AccessCode,
		Reference:        reference,
		Amount:           amount,
		Fee:              fee,
		Total:            total,
	}, nil
}

// VerifyDeposit запрашивает состояние платежа у шлюза. Журнал не меняется.
func (s *Service) VerifyDeposit(ctx context.Context, buyerID, reference string) (*DepositStatus, error) {
	if reference == "" {
		return nil, fmt.Errorf("reference is required: %w", model.ErrValidation)
	}

	tr, err := s.store.GetTransactionByReference(ctx, reference)
	if err != nil {
		return nil, err
	}
	if tr.Kind != model.TransactionDeposit || tr.Owner != model.Buyer(buyerID) {
		return nil, fmt.Errorf("deposit %s: %w", reference, model.ErrNotFound)
	}

	charge, err := s.gateway.VerifyCharge(ctx, reference)
	if err != nil {
		return nil, fmt.Errorf("verify deposit: %w: %w", model.ErrGatewayUnavailable, err)
	}

	return &DepositStatus{
		Reference:     reference,
		GatewayStatus: charge.Status,
		Transaction:   tr,
	}, nil
}
