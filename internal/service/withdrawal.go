package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/marketpay/internal/gateway"
	"github.com/mmeshcher/marketpay/internal/ledger"
	"github.com/mmeshcher/marketpay/internal/metrics"
	"github.com/mmeshcher/marketpay/internal/model"
	"github.com/mmeshcher/marketpay/internal/repository"
	"github.com/mmeshcher/marketpay/internal/validation"
)

const (
	recoveryBatchSize = 100
	// Запас сверх таймаутов шлюза на запись результата попытки с повторами.
	payoutPhaseMargin = time.Minute

	triggerGateway  = "gateway_error"
	triggerTimeout  = "gateway_timeout"
	triggerWebhook  = "webhook"
	triggerRecovery = "recovery"
	triggerManual   = "manual"
)

// SaveBankDetails проверяет и сохраняет реквизиты продавца для выплат.
// Код получателя в шлюзе сбрасывается, если изменился счёт.
func (s *Service) SaveBankDetails(ctx context.Context, sellerID string, bank model.BankDetails) (*model.PayoutProfile, error) {
	bank.BankCode = strings.TrimSpace(bank.BankCode)
	bank.AccountNumber = strings.TrimSpace(bank.AccountNumber)
	bank.AccountName = strings.TrimSpace(bank.AccountName)

	if sellerID == "" || bank.AccountName == "" {
		return nil, fmt.Errorf("seller and account name are required: %w", model.ErrValidation)
	}
	if !validation.IsValidAccountNumber(bank.BankCode, bank.AccountNumber) {
		return nil, fmt.Errorf("account %s at bank %s: %w", bank.AccountNumber, bank.BankCode, model.ErrValidation)
	}

	profile := &model.PayoutProfile{SellerID: sellerID, Bank: bank}

	existing, err := s.store.GetPayoutProfile(ctx, sellerID)
	switch {
	case err == nil:
		if existing.Bank.BankCode == bank.BankCode && existing.Bank.AccountNumber == bank.AccountNumber {
			profile.RecipientCode = existing.RecipientCode
		}
	case !errors.Is(err, model.ErrNotFound):
		return nil, err
	}

	if err := s.store.SavePayoutProfile(ctx, profile); err != nil {
		return nil, err
	}

	s.logger.Info("bank details saved", zap.String("seller_id", sellerID), zap.String("bank_code", bank.BankCode))
	return profile, nil
}

// RequestWithdrawal выводит средства продавца на его банковский счёт.
//
// Локальный шаг списывает сумму с баланса продавца, начисляет комиссию
// платформе и создаёт вывод в статусе pending. Затем выплата ставится в шлюз.
// При отказе шлюза локальный шаг компенсируется и возвращается
// model.ErrWithdrawalRefunded. При таймауте исход неизвестен: вывод остаётся
// pending до вебхука или до фоновой компенсации.
func (s *Service) RequestWithdrawal(ctx context.Context, sellerID string, amount decimal.Decimal) (*model.Withdrawal, error) {
	if !validation.IsValidAmount(amount) {
		return nil, fmt.Errorf("withdrawal %s: %w", amount, model.ErrInvalidAmount)
	}

	fee := s.Fee(amount)
	net := amount.Sub(fee)
	if !net.IsPositive() {
		return nil, fmt.Errorf("withdrawal %s with fee %s: %w", amount, fee, model.ErrAmountTooSmall)
	}

	profile, err := s.store.GetPayoutProfile(ctx, sellerID)
	if errors.Is(err, model.ErrNotFound) {
		return nil, fmt.Errorf("seller %s: %w", sellerID, model.ErrNoPayoutProfile)
	}
	if err != nil {
		return nil, err
	}

	w := &model.Withdrawal{
		ID:          uuid.NewString(),
		SellerID:    sellerID,
		Amount:      amount,
		Fee:         fee,
		NetAmount:   net,
		BankDetails: profile.Bank,
		Status:      model.WithdrawalPending,
		Reference:   "wd_" + uuid.NewString(),
	}

	err = s.store.WithTx(ctx, func(tx repository.Tx) error {
		if err := s.wallets.Debit(ctx, tx, ledger.Balance(model.Seller(sellerID)), amount); err != nil {
			return err
		}
		if fee.IsPositive() {
			if err := s.wallets.Credit(ctx, tx, ledger.Revenue(), fee); err != nil {
				return err
			}
		}
		if err := tx.CreateWithdrawal(ctx, w); err != nil {
			return err
		}
		return tx.CreateTransaction(ctx, &model.Transaction{
			ID:        uuid.NewString(),
			Owner:     model.Seller(sellerID),
			Reference: w.Reference,
			Kind:      model.TransactionWithdrawal,
			Amount:    amount,
			Fee:       fee,
			Status:    model.TransactionPending,
		})
	})
	if err != nil {
		metrics.Withdrawals.WithLabelValues("rejected").Inc()
		return nil, err
	}

	s.logger.Info("withdrawal debited",
		zap.String("withdrawal_id", w.ID),
		zap.String("reference", w.Reference),
		zap.String("seller_id", sellerID),
		zap.String("amount", amount.String()),
		zap.String("fee", fee.String()),
	)

	// Внешняя фаза не должна прерываться отменой запроса клиента:
	// иначе выплата может уйти, а локальный шаг будет компенсирован.
	return s.payout(context.WithoutCancel(ctx), w, profile)
}

func (s *Service) payout(ctx context.Context, w *model.Withdrawal, profile *model.PayoutProfile) (*model.Withdrawal, error) {
	recipient, err := s.recipientCode(ctx, profile)
	if err != nil {
		return nil, s.failPayout(ctx, w, "create recipient: "+err.Error(), triggerGateway)
	}

	gwCtx, cancel := context.WithTimeout(ctx, s.opts.GatewayTimeout)
	payout, err := s.gateway.InitiatePayout(gwCtx, recipient, w.NetAmount, w.Reference)
	cancel()

	switch {
	case err == nil:
	case errors.Is(err, gateway.ErrTimeout):
		return s.awaitPayout(ctx, w, err)
	default:
		return nil, s.failPayout(ctx, w, err.Error(), triggerGateway)
	}

	var (
		res             *model.Withdrawal
		compensated     bool
		firstDivergence bool
	)
	err = s.store.WithTx(ctx, func(tx repository.Tx) error {
		compensated, firstDivergence = false, false

		locked, err := tx.LockWithdrawal(ctx, w.ID)
		if err != nil {
			return err
		}
		switch locked.Status {
		case model.WithdrawalPending:
			locked.Status = model.WithdrawalProcessing
			locked.TransferCode = payout.TransferCode
			if err := tx.UpdateWithdrawal(ctx, locked); err != nil {
				return err
			}
		case model.WithdrawalFailed:
			// Шлюз принял выплату по уже компенсированному выводу.
			compensated = true
			if !locked.NeedsReconciliation {
				locked.NeedsReconciliation = true
				locked.TransferCode = payout.TransferCode
				if err := tx.UpdateWithdrawal(ctx, locked); err != nil {
					return err
				}
				firstDivergence = true
			}
		}
		res = locked
		return nil
	})
	if err != nil {
		// Выплата уже в шлюзе, вывод останется pending до вебхука.
		s.logger.Error("mark withdrawal processing failed",
			zap.String("withdrawal_id", w.ID),
			zap.String("reference", w.Reference),
			zap.Error(err),
		)
		return w, nil
	}

	if compensated {
		if firstDivergence {
			s.alertReconciliation("payout accepted after compensation", res,
				zap.String("transfer_code", payout.TransferCode))
		}
		return nil, fmt.Errorf("withdrawal %s: %w", w.ID, model.ErrManualReconciliation)
	}

	metrics.Withdrawals.WithLabelValues("processing").Inc()
	s.logger.Info("payout initiated",
		zap.String("withdrawal_id", w.ID),
		zap.String("reference", w.Reference),
		zap.String("transfer_code", payout.TransferCode),
	)
	return res, nil
}

func (s *Service) recipientCode(ctx context.Context, profile *model.PayoutProfile) (string, error) {
	if profile.RecipientCode != "" {
		return profile.RecipientCode, nil
	}

	gwCtx, cancel := context.WithTimeout(ctx, s.opts.GatewayTimeout)
	defer cancel()

	code, err := s.gateway.CreatePayoutRecipient(gwCtx, profile.Bank)
	if err != nil {
		return "", err
	}

	profile.RecipientCode = code
	if err := s.store.SavePayoutProfile(ctx, profile); err != nil {
		s.logger.Warn("cache recipient code failed", zap.String("seller_id", profile.SellerID), zap.Error(err))
	}
	return code, nil
}

// Исход выплаты неизвестен: вывод ждёт вебхука, а при нулевом периоде ожидания компенсируется сразу.
func (s *Service) awaitPayout(ctx context.Context, w *model.Withdrawal, cause error) (*model.Withdrawal, error) {
	if s.opts.WithdrawalGracePeriod <= 0 {
		return nil, s.failPayout(ctx, w, "payout outcome unknown: "+cause.Error(), triggerTimeout)
	}

	reason := "payout outcome unknown, awaiting gateway confirmation"
	err := s.store.WithTx(ctx, func(tx repository.Tx) error {
		locked, err := tx.LockWithdrawal(ctx, w.ID)
		if err != nil {
			return err
		}
		if locked.Status != model.WithdrawalPending {
			*w = *locked
			return nil
		}
		now := s.now()
		locked.FailureReason = reason
		locked.OutcomeUnknownAt = &now
		if err := tx.UpdateWithdrawal(ctx, locked); err != nil {
			return err
		}
		*w = *locked
		return nil
	})
	if err != nil {
		s.logger.Warn("record payout timeout failed", zap.String("withdrawal_id", w.ID), zap.Error(err))
	}

	metrics.Withdrawals.WithLabelValues("unknown").Inc()
	s.logger.Warn("payout outcome unknown",
		zap.String("withdrawal_id", w.ID),
		zap.String("reference", w.Reference),
		zap.Duration("grace_period", s.opts.WithdrawalGracePeriod),
		zap.Error(cause),
	)
	return w, nil
}

func (s *Service) failPayout(ctx context.Context, w *model.Withdrawal, reason, trigger string) error {
	metrics.Withdrawals.WithLabelValues("failed").Inc()
	s.logger.Warn("payout failed, compensating",
		zap.String("withdrawal_id", w.ID),
		zap.String("reference", w.Reference),
		zap.String("reason", reason),
	)

	if err := s.compensate(ctx, w.ID, reason, trigger); err != nil {
		return err
	}
	return fmt.Errorf("withdrawal %s: %w", w.ID, model.ErrWithdrawalRefunded)
}

// CompensateWithdrawal отменяет локальный шаг вывода: возвращает сумму продавцу,
// списывает комиссию с платформы и переводит вывод в failed. Выводы в конечном
// статусе не трогаются.
func (s *Service) CompensateWithdrawal(ctx context.Context, withdrawalID, reason string) error {
	return s.compensate(ctx, withdrawalID, reason, triggerManual)
}

func (s *Service) compensate(ctx context.Context, withdrawalID, reason, trigger string) error {
	var (
		compensated    bool
		reversedPayout *model.Withdrawal
	)
	err := s.store.WithTx(ctx, func(tx repository.Tx) error {
		compensated, reversedPayout = false, nil

		w, err := tx.LockWithdrawal(ctx, withdrawalID)
		if err != nil {
			return err
		}
		if w.Status == model.WithdrawalPaid && trigger == triggerWebhook && !w.NeedsReconciliation {
			// Шлюз вернул уже проведённую выплату: продавец остаётся списан.
			w.NeedsReconciliation = true
			if err := tx.UpdateWithdrawal(ctx, w); err != nil {
				return err
			}
			reversedPayout = w
			return nil
		}
		if w.IsSettled() {
			return nil
		}
		if trigger == triggerRecovery && w.Status != model.WithdrawalPending {
			return nil
		}

		if err := s.wallets.Credit(ctx, tx, ledger.Balance(model.Seller(w.SellerID)), w.Amount); err != nil {
			return err
		}
		if w.Fee.IsPositive() {
			if err := s.wallets.Debit(ctx, tx, ledger.Revenue(), w.Fee); err != nil {
				return err
			}
		}

		w.Status = model.WithdrawalFailed
		w.FailureReason = reason
		if err := tx.UpdateWithdrawal(ctx, w); err != nil {
			return err
		}

		tr, err := tx.LockTransactionByReference(ctx, w.Reference)
		if err != nil {
			return err
		}
		if tr.CanMoveTo(model.TransactionFailed) {
			if err := tx.UpdateTransactionStatus(ctx, tr.ID, model.TransactionFailed); err != nil {
				return err
			}
		}

		compensated = true
		return nil
	})
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return err
		}
		metrics.ManualReconciliation.Inc()
		s.logger.Error("withdrawal compensation failed",
			zap.String("alert", "manual_reconciliation"),
			zap.String("withdrawal_id", withdrawalID),
			zap.String("trigger", trigger),
			zap.String("reason", reason),
			zap.Error(err),
		)
		return fmt.Errorf("compensate withdrawal %s: %w: %w", withdrawalID, model.ErrManualReconciliation, err)
	}

	if reversedPayout != nil {
		s.alertReconciliation("payout reversed after settlement", reversedPayout, zap.String("reason", reason))
		return nil
	}

	if compensated {
		metrics.Compensations.WithLabelValues(trigger).Inc()
		s.logger.Info("withdrawal compensated",
			zap.String("withdrawal_id", withdrawalID),
			zap.String("trigger", trigger),
			zap.String("reason", reason),
		)
	}
	return nil
}

// SettlePayout фиксирует успешную выплату по вебхуку transfer.success.
// Повторные уведомления ничего не меняют. Успех по компенсированному выводу
// помечает его для ручной сверки один раз и тоже подтверждается.
func (s *Service) SettlePayout(ctx context.Context, reference, transferCode string) error {
	var compensatedEarlier *model.Withdrawal
	err := s.store.WithTx(ctx, func(tx repository.Tx) error {
		compensatedEarlier = nil

		w, err := tx.LockWithdrawalByReference(ctx, reference)
		if err != nil {
			return err
		}
		switch w.Status {
		case model.WithdrawalPaid:
			return nil
		case model.WithdrawalFailed:
			if w.NeedsReconciliation {
				return nil
			}
			w.NeedsReconciliation = true
			if transferCode != "" {
				w.TransferCode = transferCode
			}
			if err := tx.UpdateWithdrawal(ctx, w); err != nil {
				return err
			}
			compensatedEarlier = w
			return nil
		}

		w.Status = model.WithdrawalPaid
		w.FailureReason = ""
		if transferCode != "" {
			w.TransferCode = transferCode
		}
		if err := tx.UpdateWithdrawal(ctx, w); err != nil {
			return err
		}

		tr, err := tx.LockTransactionByReference(ctx, reference)
		if err != nil {
			return err
		}
		if tr.CanMoveTo(model.TransactionSuccess) {
			return tx.UpdateTransactionStatus(ctx, tr.ID, model.TransactionSuccess)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if compensatedEarlier != nil {
		// Продавец получил и выплату, и компенсацию.
		s.alertReconciliation("payout succeeded after compensation", compensatedEarlier,
			zap.String("transfer_code", transferCode))
		return nil
	}

	metrics.Withdrawals.WithLabelValues("paid").Inc()
	s.logger.Info("payout settled", zap.String("reference", reference))
	return nil
}

// FailPayout компенсирует вывод по вебхуку transfer.failed или transfer.reversed.
// Возврат уже проведённой выплаты только помечает вывод для ручной сверки.
func (s *Service) FailPayout(ctx context.Context, reference, reason string) error {
	var withdrawalID string
	err := s.store.WithTx(ctx, func(tx repository.Tx) error {
		w, err := tx.LockWithdrawalByReference(ctx, reference)
		if err != nil {
			return err
		}
		withdrawalID = w.ID
		return nil
	})
	if err != nil {
		return err
	}

	if reason == "" {
		reason = "payout failed at gateway"
	}
	return s.compensate(ctx, withdrawalID, reason, triggerWebhook)
}

// StartWithdrawalRecovery запускает фоновую компенсацию выводов, исход которых
// остался неизвестен дольше периода ожидания.
func (s *Service) StartWithdrawalRecovery(ctx context.Context) {
	interval := s.opts.RecoveryInterval
	if interval <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := s.RecoverStaleWithdrawals(ctx); err != nil && ctx.Err() == nil {
					s.logger.Warn("withdrawal recovery failed", zap.Error(err))
				}
			}
		}
	}()
}

// RecoverStaleWithdrawals компенсирует одну порцию зависших выводов и возвращает число обработанных.
//
// Период ожидания отсчитывается от завершённой попытки выплаты с неизвестным исходом.
// Вывод без такой отметки считается брошенным, только когда истекла вся внешняя фаза:
// до этого его выплата может ещё выполняться.
func (s *Service) RecoverStaleWithdrawals(ctx context.Context) (int, error) {
	now := s.now()
	grace := s.opts.WithdrawalGracePeriod

	stale, err := s.store.ListStaleWithdrawals(ctx,
		now.Add(-grace),
		now.Add(-grace-s.payoutPhaseLimit()),
		recoveryBatchSize,
	)
	if err != nil {
		return 0, fmt.Errorf("list stale withdrawals: %w", err)
	}

	processed := 0
	for _, w := range stale {
		if ctx.Err() != nil {
			return processed, ctx.Err()
		}
		err := s.compensate(ctx, w.ID, "payout not confirmed within grace period", triggerRecovery)
		if err != nil {
			continue
		}
		processed++
	}
	return processed, nil
}

// payoutPhaseLimit ограничивает внешнюю фазу вывода: создание получателя и постановку
// выплаты, каждое не дольше таймаута шлюза.
func (s *Service) payoutPhaseLimit() time.Duration {
	return 2*s.opts.GatewayTimeout + payoutPhaseMargin
}

func (s *Service) alertReconciliation(msg string, w *model.Withdrawal, fields ...zap.Field) {
	metrics.ManualReconciliation.Inc()
	s.logger.Error(msg, append([]zap.Field{
		zap.String("alert", "manual_reconciliation"),
		zap.String("withdrawal_id", w.ID),
		zap.String("reference", w.Reference),
	}, fields...)...)
}
