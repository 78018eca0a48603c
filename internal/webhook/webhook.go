// Package webhook принимает события платёжного шлюза и применяет их к журналу.
package webhook

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/marketpay/internal/gateway"
	"github.com/mmeshcher/marketpay/internal/ledger"
	"github.com/mmeshcher/marketpay/internal/metrics"
	"github.com/mmeshcher/marketpay/internal/model"
	"github.com/mmeshcher/marketpay/internal/repository"
)

// Store описывает контракт хранилища для обработки событий.
type Store interface {
	WithTx(ctx context.Context, fn func(tx repository.Tx) error) error
	GetTransactionByReference(ctx context.Context, reference string) (*model.Transaction, error)
}

// Verifier проверяет подпись тела вебхука.
type Verifier interface {
	VerifySignature(raw []byte, signature string) bool
}

// Settler завершает выплаты по событиям transfer.*.
type Settler interface {
	SettlePayout(ctx context.Context, reference, transferCode string) error
	FailPayout(ctx context.Context, reference, reason string) error
}

// Ingestor обрабатывает вебхуки шлюза. Повторная доставка события не меняет балансы.
type Ingestor struct {
	store    Store
	wallets  *ledger.Manager
	verifier Verifier
	settler  Settler
	logger   *zap.Logger
}

// NewIngestor создаёт обработчик вебхуков.
func NewIngestor(store Store, wallets *ledger.Manager, verifier Verifier, settler Settler, logger *zap.Logger) *Ingestor {
	return &Ingestor{
		store:    store,
		wallets:  wallets,
		verifier: verifier,
		settler:  settler,
		logger:   logger,
	}
}

// Ingest проверяет подпись и применяет событие. Подпись проверяется по сырому телу до разбора.
func (i *Ingestor) Ingest(ctx context.Context, raw []byte, signature string) error {
	if !i.verifier.VerifySignature(raw, signature) {
		metrics.WebhookEvents.WithLabelValues("unknown", "invalid_signature").Inc()
		i.logger.Warn("webhook signature rejected", zap.Int("size", len(raw)))
		return model.ErrInvalidSignature
	}

	ev, err := gateway.ParseEvent(raw)
	if err != nil {
		metrics.WebhookEvents.WithLabelValues("unknown", "rejected").Inc()
		return fmt.Errorf("parse webhook: %w: %v", model.ErrValidation, err)
	}

	switch ev.Event {
	case gateway.EventChargeSuccess:
		err = i.chargeSuccess(ctx, ev)
	case gateway.EventTransferSuccess, gateway.EventTransferFailed, gateway.EventTransferReversed:
		err = i.transfer(ctx, ev)
	default:
		metrics.WebhookEvents.WithLabelValues(ev.Event, "ignored").Inc()
		i.logger.Debug("webhook event ignored", zap.String("event", ev.Event))
		return nil
	}

	if err != nil {
		metrics.WebhookEvents.WithLabelValues(ev.Event, "error").Inc()
		i.logger.Warn("webhook event failed",
			zap.String("event", ev.Event),
			zap.String("reference", ev.Data.Reference),
			zap.Error(err),
		)
	}
	return err
}

func (i *Ingestor) chargeSuccess(ctx context.Context, ev *gateway.Event) error {
	ref := ev.Data.Reference
	if ref == "" {
		return fmt.Errorf("charge event without reference: %w", model.ErrValidation)
	}

	existing, err := i.store.GetTransactionByReference(ctx, ref)
	switch {
	case err == nil:
		if existing.Status == model.TransactionSuccess {
			i.duplicate(ev)
			return nil
		}
	case !errors.Is(err, model.ErrNotFound):
		return err
	}

	// Транзакцию мог одновременно создать InitDeposit: тогда повторяем один раз
	// и работаем уже с записанной строкой.
	var credited bool
	for attempt := 0; attempt < 2; attempt++ {
		credited, err = i.credit(ctx, ev)
		if !errors.Is(err, model.ErrDuplicateReference) {
			break
		}
	}
	if err != nil {
		return err
	}

	if !credited {
		i.duplicate(ev)
		return nil
	}

	metrics.DepositsCredited.Inc()
	metrics.WebhookEvents.WithLabelValues(ev.Event, "credited").Inc()
	return nil
}

func (i *Ingestor) credit(ctx context.Context, ev *gateway.Event) (bool, error) {
	ref := ev.Data.Reference
	credited := false

	err := i.store.WithTx(ctx, func(tx repository.Tx) error {
		credited = false

		tr, err := tx.LockTransactionByReference(ctx, ref)
		switch {
		case errors.Is(err, model.ErrNotFound):
			tr = nil
		case err != nil:
			return err
		case tr.Status == model.TransactionSuccess:
			return nil
		case tr.Kind != model.TransactionDeposit:
			return fmt.Errorf("reference %s is a %s: %w", ref, tr.Kind, model.ErrValidation)
		case !tr.CanMoveTo(model.TransactionSuccess):
			return fmt.Errorf("deposit %s is %s: %w", ref, tr.Status, model.ErrAlreadyResolved)
		}

		buyerID, deposit, fee, err := split(ev, tr)
		if err != nil {
			return err
		}
		if charged := ev.Data.AmountMajor(); !deposit.Add(fee).Equal(charged) {
			return fmt.Errorf("deposit %s + fee %s != charged %s: %w", deposit, fee, charged, model.ErrValidation)
		}

		if tr == nil {
			err = tx.CreateTransaction(ctx, &model.Transaction{
				ID:        uuid.NewString(),
				Owner:     model.Buyer(buyerID),
				Reference: ref,
				Kind:      model.TransactionDeposit,
				Amount:    deposit,
				Fee:       fee,
				Status:    model.TransactionSuccess,
			})
		} else {
			err = tx.UpdateTransactionStatus(ctx, tr.ID, model.TransactionSuccess)
		}
		if err != nil {
			return err
		}

		if err := i.wallets.Credit(ctx, tx, ledger.Balance(model.Buyer(buyerID)), deposit); err != nil {
			return err
		}
		if fee.IsPositive() {
			if err := i.wallets.Credit(ctx, tx, ledger.Revenue(), fee); err != nil {
				return err
			}
		}

		credited = true
		i.logger.Info("deposit credited",
			zap.String("reference", ref),
			zap.String("buyer_id", buyerID),
			zap.String("amount", deposit.String()),
			zap.String("fee", fee.String()),
		)
		return nil
	})
	return credited, err
}

// split возвращает покупателя и разбиение суммы платежа на депозит и комиссию.
// Метаданные события приоритетнее записанной при инициализации транзакции.
func split(ev *gateway.Event, tr *model.Transaction) (string, decimal.Decimal, decimal.Decimal, error) {
	if meta, ok := ev.Data.Metadata(); ok {
		deposit, errD := decimal.NewFromString(meta.DepositAmount)
		fee, errF := decimal.NewFromString(meta.Fee)
		if errD == nil && errF == nil && meta.BuyerID != "" {
			if tr != nil && tr.Owner != model.Buyer(meta.BuyerID) {
				return "", decimal.Zero, decimal.Zero, fmt.Errorf("deposit %s belongs to %s: %w", tr.Reference, tr.Owner, model.ErrValidation)
			}
			return meta.BuyerID, deposit, fee, nil
		}
	}

	if tr == nil {
		return "", decimal.Zero, decimal.Zero, fmt.Errorf("charge %s: unknown reference without metadata: %w", ev.Data.Reference, model.ErrValidation)
	}
	return tr.Owner.ID, tr.Amount, tr.Fee, nil
}

func (i *Ingestor) transfer(ctx context.Context, ev *gateway.Event) error {
	ref := ev.Data.Reference
	if ref == "" {
		return fmt.Errorf("transfer event without reference: %w", model.ErrValidation)
	}

	var err error
	if ev.Event == gateway.EventTransferSuccess {
		err = i.settler.SettlePayout(ctx, ref, ev.Data.TransferCode)
	} else {
		reason := ev.Data.Reason
		if reason == "" {
			reason = ev.Event
		}
		err = i.settler.FailPayout(ctx, ref, reason)
	}

	// Выплаты, созданные не этим сервисом, подтверждаем без действий,
	// иначе шлюз будет повторять доставку.
	if errors.Is(err, model.ErrNotFound) {
		metrics.WebhookEvents.WithLabelValues(ev.Event, "unknown_reference").Inc()
		i.logger.Warn("transfer event for unknown withdrawal", zap.String("reference", ref))
		return nil
	}
	if err != nil {
		return err
	}

	metrics.WebhookEvents.WithLabelValues(ev.Event, "applied").Inc()
	return nil
}

func (i *Ingestor) duplicate(ev *gateway.Event) {
	metrics.WebhookEvents.WithLabelValues(ev.Event, "duplicate").Inc()
	i.logger.Info("duplicate webhook ignored",
		zap.String("event", ev.Event),
		zap.String("reference", ev.Data.Reference),
	)
}
