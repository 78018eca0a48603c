package service

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/marketpay/internal/model"
	"github.com/mmeshcher/marketpay/internal/repository"
)

// PlaceOrder оформляет заказ товара: цена переводится с баланса покупателя в эскроу.
// Всё выполняется одной транзакцией без обращения к платёжному шлюзу.
func (s *Service) PlaceOrder(ctx context.Context, buyerID, productID string) (*model.Order, *model.Escrow, error) {
	if buyerID == "" || productID == "" {
		return nil, nil, fmt.Errorf("buyer and product are required: %w", model.ErrValidation)
	}

	var (
		order *model.Order
		esc   *model.Escrow
	)
	err := s.store.WithTx(ctx, func(tx repository.Tx) error {
		product, err := tx.GetProduct(ctx, productID)
		if err != nil {
			return err
		}
		if product.SellerID == buyerID {
			return fmt.Errorf("buyer %s cannot buy own product: %w", buyerID, model.ErrValidation)
		}

		wallet, err := tx.LockWallet(ctx, model.Buyer(buyerID))
		if err != nil {
			return err
		}
		if wallet.Balance.LessThan(product.Price) {
			return fmt.Errorf("balance %s below price %s: %w", wallet.Balance, product.Price, model.ErrInsufficientFunds)
		}

		order = &model.Order{
			ID:           uuid.NewString(),
			BuyerID:      buyerID,
			SellerID:     product.SellerID,
			ProductID:    product.ID,
			TotalAmount:  product.Price,
			EscrowAmount: product.Price,
			Status:       model.OrderPending,
		}
		if err := tx.CreateOrder(ctx, order); err != nil {
			return err
		}

		esc, err = s.escrows.Hold(ctx, tx, order)
		return err
	})
	if err != nil {
		return nil, nil, err
	}

	s.logger.Info("order placed",
		zap.String("order_id", order.ID),
		zap.String("buyer_id", buyerID),
		zap.String("seller_id", order.SellerID),
		zap.String("amount", order.EscrowAmount.String()),
	)
	return order, esc, nil
}
