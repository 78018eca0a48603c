package escrow

import (
	"context"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/marketpay/internal/model"
	"github.com/mmeshcher/marketpay/internal/repository"
)

// Drift описывает расхождение между escrowBalance кошелька и суммой открытых эскроу.
type Drift struct {
	Owner    model.Owner     `json:"owner"`
	Recorded decimal.Decimal `json:"recorded"`
	Expected decimal.Decimal `json:"expected"`
	Repaired bool            `json:"repaired"`
}

// ReconcileReport содержит результат сверки проекций эскроу.
type ReconcileReport struct {
	Checked int     `json:"checked"`
	Drifts  []Drift `json:"drifts"`
}

// ReconcileEscrowProjections пересчитывает escrowBalance кошельков по открытым эскроу.
//
// Проекции продавцов при repair исправляются. Расхождения у покупателей только
// сообщаются: это реальные удерживаемые средства, их правит человек.
func (e *Engine) ReconcileEscrowProjections(ctx context.Context, repair bool) (*ReconcileReport, error) {
	var report *ReconcileReport
	err := e.store.WithTx(ctx, func(tx repository.Tx) error {
		report = &ReconcileReport{}

		buyers, sellers, err := tx.SumOpenEscrows(ctx)
		if err != nil {
			return err
		}
		wallets, err := tx.ListWallets(ctx)
		if err != nil {
			return err
		}

		seen := make(map[model.Owner]bool, len(wallets))
		for _, w := range wallets {
			seen[w.Owner] = true
			report.Checked++

			expected := expectedFor(w.Owner, buyers, sellers)
			if w.EscrowBalance.Equal(expected) {
				continue
			}

			d := Drift{Owner: w.Owner, Recorded: w.EscrowBalance, Expected: expected}
			if repair && w.Owner.Kind == model.OwnerSeller {
				locked, err := tx.LockWallet(ctx, w.Owner)
				if err != nil {
					return err
				}
				locked.EscrowBalance = expected
				if err := tx.SaveWallet(ctx, locked); err != nil {
					return err
				}
				d.Repaired = true
			}
			report.Drifts = append(report.Drifts, d)
		}

		for id, sum := range buyers {
			if !seen[model.Buyer(id)] {
				report.Drifts = append(report.Drifts, Drift{Owner: model.Buyer(id), Recorded: decimal.Zero, Expected: sum})
			}
		}
		for id, sum := range sellers {
			owner := model.Seller(id)
			if seen[owner] {
				continue
			}
			d := Drift{Owner: owner, Recorded: decimal.Zero, Expected: sum}
			if repair {
				w, err := tx.LockWallet(ctx, owner)
				if err != nil {
					return err
				}
				w.EscrowBalance = sum
				if err := tx.SaveWallet(ctx, w); err != nil {
					return err
				}
				d.Repaired = true
			}
			report.Drifts = append(report.Drifts, d)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, d := range report.Drifts {
		e.logger.Warn("escrow projection drift",
			zap.String("owner", d.Owner.String()),
			zap.String("recorded", d.Recorded.String()),
			zap.String("expected", d.Expected.String()),
			zap.Bool("repaired", d.Repaired),
		)
	}
	return report, nil
}

func expectedFor(owner model.Owner, buyers, sellers map[string]decimal.Decimal) decimal.Decimal {
	src := buyers
	if owner.Kind == model.OwnerSeller {
		src = sellers
	}
	if v, ok := src[owner.ID]; ok {
		return v
	}
	return decimal.Zero
}
