// Package model содержит доменные сущности сервиса marketpay.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// OwnerKind описывает роль владельца кошелька.
type OwnerKind string

const (
	OwnerBuyer  OwnerKind = "buyer"
	OwnerSeller OwnerKind = "seller"
)

// Valid сообщает, является ли значение известной ролью владельца.
func (k OwnerKind) Valid() bool {
	return k == OwnerBuyer || k == OwnerSeller
}

// Owner идентифицирует владельца кошелька: покупателя или продавца.
type Owner struct {
	ID   string    `json:"id"`
	Kind OwnerKind `json:"kind"`
}

// Buyer возвращает владельца-покупателя с указанным идентификатором.
func Buyer(id string) Owner { return Owner{ID: id, Kind: OwnerBuyer} }

// Seller возвращает владельца-продавца с указанным идентификатором.
func Seller(id string) Owner { return Owner{ID: id, Kind: OwnerSeller} }

func (o Owner) String() string {
	return string(o.Kind) + ":" + o.ID
}

// Wallet содержит доступный баланс и средства в эскроу одного владельца.
//
// У покупателя EscrowBalance хранит реально удерживаемые средства по открытым заказам.
// У продавца EscrowBalance является проекцией открытых эскроу, где он получатель;
// она не участвует в балансе денежной массы.
type Wallet struct {
	Owner         Owner           `json:"owner"`
	Balance       decimal.Decimal `json:"balance"`
	EscrowBalance decimal.Decimal `json:"escrowBalance"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// RevenueWallet накапливает комиссии платформы. Существует в единственном экземпляре.
type RevenueWallet struct {
	Balance   decimal.Decimal `json:"balance"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// TransactionKind описывает тип записи в журнале операций.
type TransactionKind string

const (
	TransactionDeposit       TransactionKind = "deposit"
	TransactionEscrowHold    TransactionKind = "escrow_hold"
	TransactionEscrowRelease TransactionKind = "escrow_release"
	TransactionEscrowRefund  TransactionKind = "escrow_refund"
	TransactionWithdrawal    TransactionKind = "withdrawal"
)

// TransactionStatus описывает статус записи журнала.
type TransactionStatus string

const (
	TransactionPending TransactionStatus = "pending"
	TransactionSuccess TransactionStatus = "success"
	TransactionFailed  TransactionStatus = "failed"
)

// Transaction описывает запись журнала операций. Reference уникален и служит ключом идемпотентности.
type Transaction struct {
	ID        string            `json:"id"`
	Owner     Owner             `json:"owner"`
	OrderID   string            `json:"orderId,omitempty"`
	Reference string            `json:"reference"`
	Kind      TransactionKind   `json:"kind"`
	Amount    decimal.Decimal   `json:"amount"`
	Fee       decimal.Decimal   `json:"fee"`
	Status    TransactionStatus `json:"status"`
	CreatedAt time.Time         `json:"createdAt"`
	UpdatedAt time.Time         `json:"updatedAt"`
}

// CanMoveTo сообщает, допустим ли переход в указанный статус.
// Разрешены только pending→success и pending→failed.
func (t *Transaction) CanMoveTo(status TransactionStatus) bool {
	return t.Status == TransactionPending &&
		(status == TransactionSuccess || status == TransactionFailed)
}

// Product описывает товар каталога. Каталогом владеет внешний сервис, здесь он только читается.
type Product struct {
	ID       string          `json:"id"`
	SellerID string          `json:"sellerId"`
	Name     string          `json:"name"`
	Price    decimal.Decimal `json:"price"`
}

// OrderStatus описывает статус заказа.
type OrderStatus string

const (
	OrderPending    OrderStatus = "pending"
	OrderInProgress OrderStatus = "in_progress"
	OrderCompleted  OrderStatus = "completed"
	OrderCancelled  OrderStatus = "cancelled"
)

// Order описывает покупку товара. Покупатель, продавец и товар после создания не меняются.
type Order struct {
	ID           string          `json:"id"`
	BuyerID      string          `json:"buyerId"`
	SellerID     string          `json:"sellerId"`
	ProductID    string          `json:"productId"`
	TotalAmount  decimal.Decimal `json:"totalAmount"`
	EscrowAmount decimal.Decimal `json:"escrowAmount"`
	Status       OrderStatus     `json:"status"`
	CreatedAt    time.Time       `json:"createdAt"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

// EscrowStatus описывает состояние эскроу.
type EscrowStatus string

const (
	EscrowHolding         EscrowStatus = "holding"
	EscrowDelivered       EscrowStatus = "delivered"
	EscrowReleased        EscrowStatus = "released"
	EscrowRefundRequested EscrowStatus = "refund_requested"
	EscrowRefunded        EscrowStatus = "refunded"
	EscrowDisputed        EscrowStatus = "disputed"
)

// Escrow удерживает средства по одному заказу до его завершения.
type Escrow struct {
	ID              string          `json:"id"`
	OrderID         string          `json:"orderId"`
	BuyerID         string          `json:"buyerId"`
	SellerID        string          `json:"sellerId"`
	Amount          decimal.Decimal `json:"amount"`
	Status          EscrowStatus    `json:"status"`
	SellerDelivered bool            `json:"sellerDelivered"`
	BuyerConfirmed  bool            `json:"buyerConfirmed"`
	RefundRequested bool            `json:"refundRequested"`
	DisputeReason   string          `json:"disputeReason,omitempty"`
	ReleasedAt      *time.Time      `json:"releasedAt,omitempty"`
	RefundedAt      *time.Time      `json:"refundedAt,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

// IsTerminal сообщает, завершено ли эскроу (выплачено продавцу или возвращено покупателю).
func (e *Escrow) IsTerminal() bool {
	return e.Status == EscrowReleased || e.Status == EscrowRefunded
}

// WithdrawalStatus описывает статус вывода средств.
type WithdrawalStatus string

const (
	WithdrawalPending    WithdrawalStatus = "pending"
	WithdrawalProcessing WithdrawalStatus = "processing"
	WithdrawalPaid       WithdrawalStatus = "paid"
	WithdrawalFailed     WithdrawalStatus = "failed"
)

// BankDetails содержит реквизиты банковского счёта получателя выплаты.
type BankDetails struct {
	BankCode      string `json:"bankCode"`
	AccountNumber string `json:"accountNumber"`
	AccountName   string `json:"accountName"`
}

// Withdrawal описывает запрос продавца на вывод средств.
// Комиссия фиксируется при создании и больше не пересчитывается.
type Withdrawal struct {
	ID                  string           `json:"id"`
	SellerID            string           `json:"sellerId"`
	Amount              decimal.Decimal  `json:"amount"`
	Fee                 decimal.Decimal  `json:"fee"`
	NetAmount           decimal.Decimal  `json:"netAmount"`
	BankDetails         BankDetails      `json:"bankDetails"`
	Status              WithdrawalStatus `json:"status"`
	Reference           string           `json:"reference"`
	TransferCode        string           `json:"transferCode,omitempty"`
	FailureReason       string           `json:"failureReason,omitempty"`
	// OutcomeUnknownAt отмечает завершённую попытку выплаты, исход которой шлюз не сообщил.
	OutcomeUnknownAt    *time.Time       `json:"outcomeUnknownAt,omitempty"`
	// NeedsReconciliation ставится, когда шлюз и журнал разошлись и вывод требует ручной сверки.
	NeedsReconciliation bool             `json:"needsReconciliation,omitempty"`
	CreatedAt           time.Time        `json:"createdAt"`
	UpdatedAt           time.Time        `json:"updatedAt"`
}

// IsSettled сообщает, достиг ли вывод конечного статуса.
func (w *Withdrawal) IsSettled() bool {
	return w.Status == WithdrawalPaid || w.Status == WithdrawalFailed
}

// PayoutProfile хранит банковские реквизиты продавца и код получателя в платёжном шлюзе.
type PayoutProfile struct {
	SellerID      string      `json:"sellerId"`
	Bank          BankDetails `json:"bank"`
	RecipientCode string      `json:"recipientCode,omitempty"`
	UpdatedAt     time.Time   `json:"updatedAt"`
}
