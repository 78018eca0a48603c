package model

import "errors"

// Базовые виды ошибок. Уточняющие ошибки оборачивают их, поэтому на границе
// достаточно проверки errors.Is по базовому виду.
var (
	// ErrValidation означает некорректный запрос: состояние не меняется.
	ErrValidation = errors.New("validation error")
	// ErrInsufficientFunds означает, что на источнике списания недостаточно средств.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrInvalidSignature означает, что подпись события платёжного шлюза не совпала.
	ErrInvalidSignature = errors.New("invalid signature")
	// ErrNotFound означает, что запрошенная сущность не найдена.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyResolved означает попытку перехода из конечного состояния.
	ErrAlreadyResolved = errors.New("already resolved")
	// ErrGatewayUnavailable означает временную ошибку платёжного шлюза. Запрос можно повторить.
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")
	// ErrManualReconciliation означает, что компенсация не удалась и нужна ручная сверка.
	ErrManualReconciliation = errors.New("manual reconciliation required")
)

var (
	ErrAmountTooSmall       = wrap(ErrValidation, "amount too small after fees")
	ErrInvalidAmount        = wrap(ErrValidation, "amount must be positive")
	ErrEscrowNotDeliverable = wrap(ErrValidation, "seller has not marked the order as delivered")
	ErrInvalidEscrowState   = wrap(ErrValidation, "invalid escrow status for this operation")
	ErrDuplicateReference   = wrap(ErrValidation, "duplicate transaction reference")
	ErrNoPayoutProfile      = wrap(ErrValidation, "seller has no bank details")
	ErrWithdrawalRefunded   = wrap(ErrGatewayUnavailable, "payout failed, funds refunded, please retry")
)

type kindError struct {
	kind error
	msg  string
}

func wrap(kind error, msg string) error {
	return &kindError{kind: kind, msg: msg}
}

func (e *kindError) Error() string { return e.msg }

func (e *kindError) Unwrap() error { return e.kind }
