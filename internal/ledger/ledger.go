// Package ledger перемещает средства между кошельками внутри транзакции хранилища.
package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/mmeshcher/marketpay/internal/model"
	"github.com/mmeshcher/marketpay/internal/repository"
)

// Bucket выбирает часть кошелька: доступный баланс или средства в эскроу.
type Bucket int

const (
	BucketBalance Bucket = iota
	BucketEscrow
)

func (b Bucket) String() string {
	if b == BucketEscrow {
		return "escrow"
	}
	return "balance"
}

// Endpoint задаёт источник или получателя перевода, то есть часть кошелька владельца либо кошелёк комиссий.
type Endpoint struct {
	Owner   model.Owner
	Bucket  Bucket
	Revenue bool
}

// Balance указывает на доступный баланс владельца.
func Balance(owner model.Owner) *Endpoint {
	return &Endpoint{Owner: owner, Bucket: BucketBalance}
}

// Escrow указывает на средства владельца в эскроу.
func Escrow(owner model.Owner) *Endpoint {
	return &Endpoint{Owner: owner, Bucket: BucketEscrow}
}

// Revenue указывает на кошелёк комиссий платформы.
func Revenue() *Endpoint {
	return &Endpoint{Revenue: true}
}

func (e *Endpoint) String() string {
	if e.Revenue {
		return "revenue"
	}
	return e.Owner.String() + "/" + e.Bucket.String()
}

// Reader описывает чтение кошельков вне транзакции.
type Reader interface {
	GetWallet(ctx context.Context, owner model.Owner) (*model.Wallet, error)
	GetRevenueWallet(ctx context.Context) (*model.RevenueWallet, error)
}

// Manager выполняет переводы между кошельками. Записи журнала операций создаёт вызывающий код.
type Manager struct {
	store Reader
}

// NewManager создаёт менеджер кошельков.
func NewManager(store Reader) *Manager {
	return &Manager{store: store}
}

// Transfer списывает amount с from и зачисляет на to в рамках транзакции tx.
//
// Одна из сторон может быть nil: тогда это чистое зачисление (средства пришли
// из платёжного шлюза) или чистое списание (средства ушли в шлюз).
func (m *Manager) Transfer(ctx context.Context, tx repository.Tx, from, to *Endpoint, amount decimal.Decimal) error {
	if from == nil && to == nil {
		return fmt.Errorf("transfer needs a source or a destination: %w", model.ErrValidation)
	}
	if !amount.IsPositive() {
		return fmt.Errorf("transfer %s: %w", amount, model.ErrInvalidAmount)
	}

	if from != nil {
		if err := apply(ctx, tx, from, amount.Neg()); err != nil {
			return err
		}
	}
	if to != nil {
		if err := apply(ctx, tx, to, amount); err != nil {
			return err
		}
	}
	return nil
}

// Credit зачисляет amount на to.
func (m *Manager) Credit(ctx context.Context, tx repository.Tx, to *Endpoint, amount decimal.Decimal) error {
	return m.Transfer(ctx, tx, nil, to, amount)
}

// Debit списывает amount с from.
func (m *Manager) Debit(ctx context.Context, tx repository.Tx, from *Endpoint, amount decimal.Decimal) error {
	return m.Transfer(ctx, tx, from, nil, amount)
}

// AdjustEscrowProjection изменяет проекцию эскроу в кошельке продавца на delta.
// Проекция не может стать отрицательной.
func (m *Manager) AdjustEscrowProjection(ctx context.Context, tx repository.Tx, sellerID string, delta decimal.Decimal) error {
	w, err := tx.LockWallet(ctx, model.Seller(sellerID))
	if err != nil {
		return err
	}

	next := w.EscrowBalance.Add(delta)
	if next.IsNegative() {
		return fmt.Errorf("seller %s escrow projection would be %s: %w", sellerID, next, model.ErrInsufficientFunds)
	}

	w.EscrowBalance = next
	return tx.SaveWallet(ctx, w)
}

func apply(ctx context.Context, tx repository.Tx, e *Endpoint, delta decimal.Decimal) error {
	if e.Revenue {
		rw, err := tx.LockRevenueWallet(ctx)
		if err != nil {
			return err
		}
		next := rw.Balance.Add(delta)
		if next.IsNegative() {
			return fmt.Errorf("debit %s from %s: %w", delta.Neg(), e, model.ErrInsufficientFunds)
		}
		rw.Balance = next
		return tx.SaveRevenueWallet(ctx, rw)
	}

	w, err := tx.LockWallet(ctx, e.Owner)
	if err != nil {
		return err
	}

	target := &w.Balance
	if e.Bucket == BucketEscrow {
		target = &w.EscrowBalance
	}

	next := target.Add(delta)
	if next.IsNegative() {
		return fmt.Errorf("debit %s from %s: %w", delta.Neg(), e, model.ErrInsufficientFunds)
	}
	*target = next

	return tx.SaveWallet(ctx, w)
}

// Wallet возвращает кошелёк владельца. Несуществующий кошелёк возвращается с нулевыми балансами.
func (m *Manager) Wallet(ctx context.Context, owner model.Owner) (*model.Wallet, error) {
	w, err := m.store.GetWallet(ctx, owner)
	if errors.Is(err, model.ErrNotFound) {
		return &model.Wallet{Owner: owner, Balance: decimal.Zero, EscrowBalance: decimal.Zero}, nil
	}
	if err != nil {
		return nil, err
	}
	return w, nil
}

// Revenue возвращает кошелёк комиссий платформы.
func (m *Manager) Revenue(ctx context.Context) (*model.RevenueWallet, error) {
	return m.store.GetRevenueWallet(ctx)
}
