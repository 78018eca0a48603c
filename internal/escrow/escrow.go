// Package escrow реализует конечный автомат эскроу и связанные с ним движения средств.
package escrow

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/marketpay/internal/ledger"
	"github.com/mmeshcher/marketpay/internal/metrics"
	"github.com/mmeshcher/marketpay/internal/model"
	"github.com/mmeshcher/marketpay/internal/repository"
)

// Store описывает операции хранилища, нужные движку эскроу.
type Store interface {
	WithTx(ctx context.Context, fn func(tx repository.Tx) error) error
	GetEscrow(ctx context.Context, id string) (*model.Escrow, error)
	ListEscrows(ctx context.Context, owner model.Owner) ([]model.Escrow, error)
}

// Engine управляет переходами эскроу. Каждый переход перечитывает эскроу
// с блокировкой строки в той же транзакции, что и движение средств.
type Engine struct {
	store   Store
	wallets *ledger.Manager
	logger  *zap.Logger
	now     func() time.Time
}

// NewEngine создаёт движок эскроу.
func NewEngine(store Store, wallets *ledger.Manager, logger *zap.Logger) *Engine {
	return &Engine{
		store:   store,
		wallets: wallets,
		logger:  logger,
		now:     time.Now,
	}
}

// Hold переводит цену заказа с баланса покупателя в эскроу и открывает эскроу по заказу.
// Выполняется внутри транзакции оформления заказа.
func (e *Engine) Hold(ctx context.Context, tx repository.Tx, order *model.Order) (*model.Escrow, error) {
	buyer := model.Buyer(order.BuyerID)

	if err := e.wallets.Transfer(ctx, tx, ledger.Balance(buyer), ledger.Escrow(buyer), order.EscrowAmount); err != nil {
		return nil, err
	}
	if err := e.wallets.AdjustEscrowProjection(ctx, tx, order.SellerID, order.EscrowAmount); err != nil {
		return nil, err
	}

	esc := &model.Escrow{
		ID:       uuid.NewString(),
		OrderID:  order.ID,
		BuyerID:  order.BuyerID,
		SellerID: order.SellerID,
		Amount:   order.EscrowAmount,
		Status:   model.EscrowHolding,
	}
	if err := tx.CreateEscrow(ctx, esc); err != nil {
		return nil, err
	}

	err := tx.CreateTransaction(ctx, &model.Transaction{
		ID:        uuid.NewString(),
		Owner:     buyer,
		OrderID:   order.ID,
		Reference: "hold_" + order.ID,
		Kind:      model.TransactionEscrowHold,
		Amount:    order.EscrowAmount,
		Fee:       decimal.Zero,
		Status:    model.TransactionSuccess,
	})
	if err != nil {
		return nil, err
	}

	return esc, nil
}

// MarkDelivered отмечает, что продавец отправил заказ. Средства не двигаются.
func (e *Engine) MarkDelivered(ctx context.Context, orderID, sellerID string) (*model.Escrow, error) {
	var res *model.Escrow
	err := e.store.WithTx(ctx, func(tx repository.Tx) error {
		esc, err := lockForParty(ctx, tx, orderID, model.Seller(sellerID))
		if err != nil {
			return err
		}
		if err := requireStatus(esc, model.EscrowHolding); err != nil {
			return err
		}

		esc.SellerDelivered = true
		if err := tx.UpdateEscrow(ctx, esc); err != nil {
			return err
		}
		res = esc
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("escrow marked delivered", zap.String("escrow_id", res.ID), zap.String("order_id", orderID))
	return res, nil
}

// ConfirmDelivery выплачивает эскроу продавцу после подтверждения покупателем.
func (e *Engine) ConfirmDelivery(ctx context.Context, orderID, buyerID string) (*model.Escrow, error) {
	var res *model.Escrow
	err := e.store.WithTx(ctx, func(tx repository.Tx) error {
		esc, err := lockForParty(ctx, tx, orderID, model.Buyer(buyerID))
		if err != nil {
			return err
		}
		if err := requireStatus(esc, model.EscrowHolding); err != nil {
			return err
		}
		if !esc.SellerDelivered {
			return fmt.Errorf("escrow %s: %w", esc.ID, model.ErrEscrowNotDeliverable)
		}

		buyer, seller := model.Buyer(esc.BuyerID), model.Seller(esc.SellerID)
		if err := e.wallets.Transfer(ctx, tx, ledger.Escrow(buyer), ledger.Balance(seller), esc.Amount); err != nil {
			return err
		}
		if err := e.wallets.AdjustEscrowProjection(ctx, tx, esc.SellerID, esc.Amount.Neg()); err != nil {
			return err
		}

		now := e.now()
		esc.Status = model.EscrowReleased
		esc.BuyerConfirmed = true
		esc.ReleasedAt = &now
		if err := tx.UpdateEscrow(ctx, esc); err != nil {
			return err
		}
		if err := tx.UpdateOrderStatus(ctx, esc.OrderID, model.OrderCompleted); err != nil {
			return err
		}

		err = tx.CreateTransaction(ctx, &model.Transaction{
			ID:        uuid.NewString(),
			Owner:     seller,
			OrderID:   esc.OrderID,
			Reference: "release_" + esc.OrderID,
			Kind:      model.TransactionEscrowRelease,
			Amount:    esc.Amount,
			Fee:       decimal.Zero,
			Status:    model.TransactionSuccess,
		})
		if err != nil {
			return err
		}
		res = esc
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.EscrowTransitions.WithLabelValues(string(model.EscrowReleased)).Inc()
	e.logger.Info("escrow released",
		zap.String("escrow_id", res.ID),
		zap.String("order_id", orderID),
		zap.String("amount", res.Amount.String()),
	)
	return res, nil
}

// RequestRefund фиксирует запрос покупателя на возврат. Средства остаются в эскроу до решения администратора.
func (e *Engine) RequestRefund(ctx context.Context, orderID, buyerID string) (*model.Escrow, error) {
	var res *model.Escrow
	err := e.store.WithTx(ctx, func(tx repository.Tx) error {
		esc, err := lockForParty(ctx, tx, orderID, model.Buyer(buyerID))
		if err != nil {
			return err
		}
		if esc.Status == model.EscrowRefundRequested {
			res = esc
			return nil
		}
		if err := requireStatus(esc, model.EscrowHolding); err != nil {
			return err
		}

		esc.Status = model.EscrowRefundRequested
		esc.RefundRequested = true
		if err := tx.UpdateEscrow(ctx, esc); err != nil {
			return err
		}
		res = esc
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.EscrowTransitions.WithLabelValues(string(model.EscrowRefundRequested)).Inc()
	e.logger.Info("escrow refund requested", zap.String("escrow_id", res.ID), zap.String("order_id", orderID))
	return res, nil
}

// ApproveRefund возвращает средства эскроу покупателю. Доступно администратору
// для эскроу в статусе refund_requested или disputed.
func (e *Engine) ApproveRefund(ctx context.Context, escrowID string) (*model.Escrow, error) {
	var res *model.Escrow
	err := e.store.WithTx(ctx, func(tx repository.Tx) error {
		esc, err := tx.LockEscrow(ctx, escrowID)
		if err != nil {
			return err
		}
		if err := requireStatus(esc, model.EscrowRefundRequested, model.EscrowDisputed); err != nil {
			return err
		}

		buyer := model.Buyer(esc.BuyerID)
		if err := e.wallets.Transfer(ctx, tx, ledger.Escrow(buyer), ledger.Balance(buyer), esc.Amount); err != nil {
			return err
		}
		if err := e.wallets.AdjustEscrowProjection(ctx, tx, esc.SellerID, esc.Amount.Neg()); err != nil {
			return err
		}

		now := e.now()
		esc.Status = model.EscrowRefunded
		esc.RefundedAt = &now
		if err := tx.UpdateEscrow(ctx, esc); err != nil {
			return err
		}
		if err := tx.UpdateOrderStatus(ctx, esc.OrderID, model.OrderCancelled); err != nil {
			return err
		}

		err = tx.CreateTransaction(ctx, &model.Transaction{
			ID:        uuid.NewString(),
			Owner:     buyer,
			OrderID:   esc.OrderID,
			Reference: "refund_" + esc.OrderID,
			Kind:      model.TransactionEscrowRefund,
			Amount:    esc.Amount,
			Fee:       decimal.Zero,
			Status:    model.TransactionSuccess,
		})
		if err != nil {
			return err
		}
		res = esc
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.EscrowTransitions.WithLabelValues(string(model.EscrowRefunded)).Inc()
	e.logger.Info("escrow refunded",
		zap.String("escrow_id", res.ID),
		zap.String("order_id", res.OrderID),
		zap.String("amount", res.Amount.String()),
	)
	return res, nil
}

// MarkDisputed переводит незавершённое эскроу в спор для ручного разбора.
func (e *Engine) MarkDisputed(ctx context.Context, escrowID, reason string) (*model.Escrow, error) {
	var res *model.Escrow
	err := e.store.WithTx(ctx, func(tx repository.Tx) error {
		esc, err := tx.LockEscrow(ctx, escrowID)
		if err != nil {
			return err
		}
		if esc.IsTerminal() {
			return fmt.Errorf("escrow %s is %s: %w", esc.ID, esc.Status, model.ErrAlreadyResolved)
		}

		esc.Status = model.EscrowDisputed
		esc.DisputeReason = reason
		if err := tx.UpdateEscrow(ctx, esc); err != nil {
			return err
		}
		res = esc
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.EscrowTransitions.WithLabelValues(string(model.EscrowDisputed)).Inc()
	e.logger.Warn("escrow disputed", zap.String("escrow_id", res.ID), zap.String("reason", reason))
	return res, nil
}

// Get возвращает эскроу по идентификатору.
func (e *Engine) Get(ctx context.Context, escrowID string) (*model.Escrow, error) {
	return e.store.GetEscrow(ctx, escrowID)
}

// ListByParty возвращает эскроу, где владелец выступает покупателем или продавцом.
func (e *Engine) ListByParty(ctx context.Context, owner model.Owner) ([]model.Escrow, error) {
	return e.store.ListEscrows(ctx, owner)
}

// Чужое эскроу не раскрывается: для постороннего участника оно не найдено.
func lockForParty(ctx context.Context, tx repository.Tx, orderID string, party model.Owner) (*model.Escrow, error) {
	esc, err := tx.LockEscrowByOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}

	owner := esc.BuyerID
	if party.Kind == model.OwnerSeller {
		owner = esc.SellerID
	}
	if owner != party.ID {
		return nil, fmt.Errorf("escrow for order %s: %w", orderID, model.ErrNotFound)
	}
	return esc, nil
}

func requireStatus(esc *model.Escrow, allowed ...model.EscrowStatus) error {
	if esc.IsTerminal() {
		return fmt.Errorf("escrow %s is %s: %w", esc.ID, esc.Status, model.ErrAlreadyResolved)
	}
	for _, s := range allowed {
		if esc.Status == s {
			return nil
		}
	}
	return fmt.Errorf("escrow %s is %s: %w", esc.ID, esc.Status, model.ErrInvalidEscrowState)
}
