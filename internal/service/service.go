// Package service координирует расчёты маркетплейса: заказы, депозиты и выводы средств.
package service

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/marketpay/internal/escrow"
	"github.com/mmeshcher/marketpay/internal/gateway"
	"github.com/mmeshcher/marketpay/internal/ledger"
	"github.com/mmeshcher/marketpay/internal/model"
	"github.com/mmeshcher/marketpay/internal/repository"
)

// Store описывает контракт хранилища, используемый сервисом.
type Store interface {
	WithTx(ctx context.Context, fn func(tx repository.Tx) error) error
	GetWallet(ctx context.Context, owner model.Owner) (*model.Wallet, error)
	GetRevenueWallet(ctx context.Context) (*model.RevenueWallet, error)
	GetTransactionByReference(ctx context.Context, reference string) (*model.Transaction, error)
	ListTransactions(ctx context.Context, owner model.Owner) ([]model.Transaction, error)
	ListOrders(ctx context.Context, owner model.Owner) ([]model.Order, error)
	GetEscrow(ctx context.Context, id string) (*model.Escrow, error)
	ListEscrows(ctx context.Context, owner model.Owner) ([]model.Escrow, error)
	ListWithdrawals(ctx context.Context, sellerID string) ([]model.Withdrawal, error)
	ListStaleWithdrawals(ctx context.Context, unknownBefore, abandonedBefore time.Time, limit int) ([]model.Withdrawal, error)
	GetPayoutProfile(ctx context.Context, sellerID string) (*model.PayoutProfile, error)
	SavePayoutProfile(ctx context.Context, p *model.PayoutProfile) error
	Close() error
}

// Gateway описывает операции платёжного шлюза. Суммы передаются в основных единицах.
type Gateway interface {
	InitCharge(ctx context.Context, email string, amount decimal.Decimal, reference string, meta gateway.ChargeMetadata) (*gateway.ChargeInit, error)
	VerifyCharge(ctx context.Context, reference string) (*gateway.ChargeStatus, error)
	CreatePayoutRecipient(ctx context.Context, bank model.BankDetails) (string, error)
	InitiatePayout(ctx context.Context, recipientCode string, amount decimal.Decimal, reference string) (*gateway.Payout, error)
}

// Options содержит параметры расчётов.
type Options struct {
	// FeePercent задаёт комиссию платформы в процентах для депозитов и выводов.
	FeePercent decimal.Decimal
	// GatewayTimeout ограничивает длительность одного обращения к шлюзу.
	GatewayTimeout time.Duration
	// WithdrawalGracePeriod задаёт, сколько ждать подтверждения выплаты с неизвестным исходом перед компенсацией.
	WithdrawalGracePeriod time.Duration
	// RecoveryInterval задаёт период проверки зависших выводов.
	RecoveryInterval time.Duration
}

// DefaultOptions возвращает параметры по умолчанию.
func DefaultOptions() Options {
	return Options{
		FeePercent:            decimal.NewFromInt(2),
		GatewayTimeout:        15 * time.Second,
		WithdrawalGracePeriod: 10 * time.Minute,
		RecoveryInterval:      30 * time.Second,
	}
}

// Service содержит бизнес-логику расчётов маркетплейса.
type Service struct {
	store   Store
	wallets *ledger.Manager
	escrows *escrow.Engine
	gateway Gateway
	logger  *zap.Logger
	opts    Options
	now     func() time.Time
}

// NewService создаёт сервис расчётов.
func NewService(store Store, wallets *ledger.Manager, escrows *escrow.Engine, gw Gateway, logger *zap.Logger, opts Options) *Service {
	return &Service{
		store:   store,
		wallets: wallets,
		escrows: escrows,
		gateway: gw,
		logger:  logger,
		opts:    opts,
		now:     time.Now,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.store != nil {
		return s.store.Close()
	}
	return nil
}

// Fee возвращает комиссию платформы с суммы, округлённую до копеек.
func (s *Service) Fee(amount decimal.Decimal) decimal.Decimal {
	return amount.Mul(s.opts.FeePercent).Div(decimal.NewFromInt(100)).Round(2)
}

// GetWallet возвращает кошелёк владельца.
func (s *Service) GetWallet(ctx context.Context, owner model.Owner) (*model.Wallet, error) {
	return s.wallets.Wallet(ctx, owner)
}

// GetRevenue возвращает кошелёк комиссий платформы.
func (s *Service) GetRevenue(ctx context.Context) (*model.RevenueWallet, error) {
	return s.wallets.Revenue(ctx)
}

// ListTransactions возвращает журнал операций владельца.
func (s *Service) ListTransactions(ctx context.Context, owner model.Owner) ([]model.Transaction, error) {
	return s.store.ListTransactions(ctx, owner)
}

// ListOrders возвращает заказы покупателя или продавца.
func (s *Service) ListOrders(ctx context.Context, owner model.Owner) ([]model.Order, error) {
	return s.store.ListOrders(ctx, owner)
}

// ListWithdrawals возвращает выводы продавца.
func (s *Service) ListWithdrawals(ctx context.Context, sellerID string) ([]model.Withdrawal, error) {
	return s.store.ListWithdrawals(ctx, sellerID)
}

// ListAllWithdrawals возвращает выводы всех продавцов.
func (s *Service) ListAllWithdrawals(ctx context.Context) ([]model.Withdrawal, error) {
	return s.store.ListWithdrawals(ctx, "")
}

// ListEscrows возвращает эскроу покупателя или продавца.
func (s *Service) ListEscrows(ctx context.Context, owner model.Owner) ([]model.Escrow, error) {
	return s.escrows.ListByParty(ctx, owner)
}

// MarkDelivered отмечает отправку заказа продавцом.
func (s *Service) MarkDelivered(ctx context.Context, orderID, sellerID string) (*model.Escrow, error) {
	return s.escrows.MarkDelivered(ctx, orderID, sellerID)
}

// ConfirmDelivery подтверждает получение заказа и выплачивает эскроу продавцу.
func (s *Service) ConfirmDelivery(ctx context.Context, orderID, buyerID string) (*model.Escrow, error) {
	return s.escrows.ConfirmDelivery(ctx, orderID, buyerID)
}

// RequestRefund фиксирует запрос покупателя на возврат.
func (s *Service) RequestRefund(ctx context.Context, orderID, buyerID string) (*model.Escrow, error) {
	return s.escrows.RequestRefund(ctx, orderID, buyerID)
}

// ApproveRefund возвращает эскроу покупателю.
func (s *Service) ApproveRefund(ctx context.Context, escrowID string) (*model.Escrow, error) {
	return s.escrows.ApproveRefund(ctx, escrowID)
}

// MarkDisputed переводит эскроу в спор.
func (s *Service) MarkDisputed(ctx context.Context, escrowID, reason string) (*model.Escrow, error) {
	return s.escrows.MarkDisputed(ctx, escrowID, reason)
}

// ReconcileEscrowProjections сверяет проекции эскроу в кошельках.
func (s *Service) ReconcileEscrowProjections(ctx context.Context, repair bool) (*escrow.ReconcileReport, error) {
	return s.escrows.ReconcileEscrowProjections(ctx, repair)
}
