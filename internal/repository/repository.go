// Package repository содержит хранилище журнала: кошельки, заказы, эскроу, выводы и транзакции.
package repository

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mmeshcher/marketpay/internal/model"
)

// Tx описывает операции внутри одной атомарной транзакции хранилища.
//
// Методы Lock* блокируют строку до конца транзакции. Любая ошибка, возвращённая
// из функции транзакции, откатывает все изменения целиком.
type Tx interface {
	// LockWallet возвращает кошелёк владельца, создавая его с нулевыми балансами при первом обращении.
	LockWallet(ctx context.Context, owner model.Owner) (*model.Wallet, error)
	SaveWallet(ctx context.Context, w *model.Wallet) error
	LockRevenueWallet(ctx context.Context) (*model.RevenueWallet, error)
	SaveRevenueWallet(ctx context.Context, w *model.RevenueWallet) error
	ListWallets(ctx context.Context) ([]model.Wallet, error)

	// CreateTransaction возвращает model.ErrDuplicateReference, если reference уже занят.
	CreateTransaction(ctx context.Context, t *model.Transaction) error
	LockTransactionByReference(ctx context.Context, reference string) (*model.Transaction, error)
	UpdateTransactionStatus(ctx context.Context, id string, status model.TransactionStatus) error

	GetProduct(ctx context.Context, id string) (*model.Product, error)
	CreateOrder(ctx context.Context, o *model.Order) error
	UpdateOrderStatus(ctx context.Context, id string, status model.OrderStatus) error

	CreateEscrow(ctx context.Context, e *model.Escrow) error
	LockEscrow(ctx context.Context, id string) (*model.Escrow, error)
	LockEscrowByOrder(ctx context.Context, orderID string) (*model.Escrow, error)
	UpdateEscrow(ctx context.Context, e *model.Escrow) error
	// SumOpenEscrows возвращает суммы незавершённых эскроу по покупателям и по продавцам.
	SumOpenEscrows(ctx context.Context) (buyers, sellers map[string]decimal.Decimal, err error)

	CreateWithdrawal(ctx context.Context, w *model.Withdrawal) error
	LockWithdrawal(ctx context.Context, id string) (*model.Withdrawal, error)
	LockWithdrawalByReference(ctx context.Context, reference string) (*model.Withdrawal, error)
	UpdateWithdrawal(ctx context.Context, w *model.Withdrawal) error
}

// Store описывает хранилище журнала. Все изменения балансов выполняются через WithTx.
type Store interface {
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	GetWallet(ctx context.Context, owner model.Owner) (*model.Wallet, error)
	ListWallets(ctx context.Context) ([]model.Wallet, error)
	GetRevenueWallet(ctx context.Context) (*model.RevenueWallet, error)

	GetTransactionByReference(ctx context.Context, reference string) (*model.Transaction, error)
	ListTransactions(ctx context.Context, owner model.Owner) ([]model.Transaction, error)

	SaveProduct(ctx context.Context, p *model.Product) error
	ListOrders(ctx context.Context, owner model.Owner) ([]model.Order, error)

	GetEscrow(ctx context.Context, id string) (*model.Escrow, error)
	ListEscrows(ctx context.Context, owner model.Owner) ([]model.Escrow, error)

	// ListWithdrawals возвращает выводы продавца, а при пустом sellerID все выводы.
	ListWithdrawals(ctx context.Context, sellerID string) ([]model.Withdrawal, error)
	// ListStaleWithdrawals возвращает выводы в статусе pending, чей исход стал неизвестен
	// раньше unknownBefore, и выводы без завершённой попытки выплаты, созданные раньше abandonedBefore.
	ListStaleWithdrawals(ctx context.Context, unknownBefore, abandonedBefore time.Time, limit int) ([]model.Withdrawal, error)

	GetPayoutProfile(ctx context.Context, sellerID string) (*model.PayoutProfile, error)
	SavePayoutProfile(ctx context.Context, p *model.PayoutProfile) error

	Close() error
}

var (
	_ Store = (*MemoryRepository)(nil)
	_ Store = (*PostgresRepository)(nil)
)
