package gateway

import (
	"encoding/json"

	"github.com/shopspring/decimal"
)

// Response описывает общий конверт ответов Paystack.
type Response[T any] struct {
	Status  bool   `json:"status"`
	Message string `json:"message"`
	Data    T      `json:"data"`
}

// ChargeMetadata передаётся в платёж при инициализации и возвращается в вебхуке.
// Суммы хранятся строками в основных единицах, чтобы не терять точность.
type ChargeMetadata struct {
	BuyerID       string `json:"buyer_id"`
	DepositAmount string `json:"deposit_amount"`
	Fee           string `json:"fee"`
}

// ChargeInit содержит результат инициализации платежа.
type ChargeInit struct {
	AuthorizationURL string `json:"authorization_url"`
	AccessCode       string `json:"access_code"`
	Reference        string `json:"reference"`
}

// ChargeStatus содержит состояние платежа по данным шлюза.
type ChargeStatus struct {
	Reference string          `json:"reference"`
	Status    string          `json:"status"`
	Amount    decimal.Decimal `json:"amount"`
}

// Payout содержит результат постановки выплаты в очередь шлюза.
type Payout struct {
	Reference    string `json:"reference"`
	TransferCode string `json:"transfer_code"`
	Status       string `json:"status"`
}

type initChargeRequest struct {
	Email     string         `json:"email"`
	Amount    int64          `json:"amount"`
	Reference string         `json:"reference,omitempty"`
	Currency  string         `json:"currency"`
	Metadata  ChargeMetadata `json:"metadata"`
}

type verifyChargeData struct {
	Reference string `json:"reference"`
	Status    string `json:"status"`
	Amount    int64  `json:"amount"`
}

type createRecipientRequest struct {
	Type          string `json:"type"`
	Name          string `json:"name"`
	AccountNumber string `json:"account_number"`
	BankCode      string `json:"bank_code"`
	Currency      string `json:"currency"`
}

type recipientData struct {
	RecipientCode string `json:"recipient_code"`
}

type transferRequest struct {
	Source    string `json:"source"`
	Reason    string `json:"reason"`
	Amount    int64  `json:"amount"`
	Recipient string `json:"recipient"`
	Reference string `json:"reference"`
}

type transferData struct {
	Reference    string `json:"reference"`
	TransferCode string `json:"transfer_code"`
	Status       string `json:"status"`
}

// Типы событий вебхука.
const (
	EventChargeSuccess    = "charge.success"
	EventTransferSuccess  = "transfer.success"
	EventTransferFailed   = "transfer.failed"
	EventTransferReversed = "transfer.reversed"
)

// Event описывает событие вебхука Paystack.
type Event struct {
	Event string    `json:"event"`
	Data  EventData `json:"data"`
}

// EventData содержит поля события, нужные для сверки. Amount указан в минимальных единицах.
type EventData struct {
	Reference    string          `json:"reference"`
	Status       string          `json:"status"`
	Amount       int64           `json:"amount"`
	TransferCode string          `json:"transfer_code"`
	Reason       string          `json:"reason"`
	Customer     EventCustomer   `json:"customer"`
	RawMetadata  json.RawMessage `json:"metadata"`
}

type EventCustomer struct {
	Email string `json:"email"`
}

// Metadata разбирает метаданные платежа. Paystack присылает пустую строку
// или null, если метаданных нет; в этом случае возвращается false.
func (d *EventData) Metadata() (ChargeMetadata, bool) {
	var m ChargeMetadata
	if len(d.RawMetadata) == 0 || d.RawMetadata[0] != '{' {
		return m, false
	}
	if err := json.Unmarshal(d.RawMetadata, &m); err != nil {
		return ChargeMetadata{}, false
	}
	return m, m.BuyerID != "" || m.DepositAmount != ""
}

// AmountMajor возвращает сумму события в основных единицах.
func (d *EventData) AmountMajor() decimal.Decimal {
	return FromMinor(d.Amount)
}
