package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/marketpay/internal/model"
)

func TestMemoryRepository_LockWalletCreatesLazily(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	_, err := repo.GetWallet(ctx, model.Buyer("b1"))
	require.ErrorIs(t, err, model.ErrNotFound)

	err = repo.WithTx(ctx, func(tx Tx) error {
		w, err := tx.LockWallet(ctx, model.Buyer("b1"))
		require.NoError(t, err)
		assert.True(t, w.Balance.IsZero())
		assert.True(t, w.EscrowBalance.IsZero())
		return nil
	})
	require.NoError(t, err)

	w, err := repo.GetWallet(ctx, model.Buyer("b1"))
	require.NoError(t, err)
	assert.Equal(t, model.OwnerBuyer, w.Owner.Kind)

	_, err = repo.GetWallet(ctx, model.Seller("b1"))
	require.ErrorIs(t, err, model.ErrNotFound, "buyer and seller wallets are distinct")
}

func TestMemoryRepository_RollbackOnError(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	boom := errors.New("boom")

	err := repo.WithTx(ctx, func(tx Tx) error {
		w, err := tx.LockWallet(ctx, model.Buyer("b1"))
		require.NoError(t, err)
		w.Balance = decimal.NewFromInt(100)
		require.NoError(t, tx.SaveWallet(ctx, w))

		rw, err := tx.LockRevenueWallet(ctx)
		require.NoError(t, err)
		rw.Balance = decimal.NewFromInt(5)
		require.NoError(t, tx.SaveRevenueWallet(ctx, rw))
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = repo.GetWallet(ctx, model.Buyer("b1"))
	require.ErrorIs(t, err, model.ErrNotFound)

	rw, err := repo.GetRevenueWallet(ctx)
	require.NoError(t, err)
	assert.True(t, rw.Balance.IsZero())
}

func TestMemoryRepository_NegativeBalanceRejected(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	err := repo.WithTx(ctx, func(tx Tx) error {
		w, err := tx.LockWallet(ctx, model.Seller("s1"))
		if err != nil {
			return err
		}
		w.Balance = decimal.NewFromInt(-1)
		return tx.SaveWallet(ctx, w)
	})
	require.ErrorIs(t, err, model.ErrInsufficientFunds)
}

func TestMemoryRepository_DuplicateReference(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	create := func(id string) error {
		return repo.WithTx(ctx, func(tx Tx) error {
			return tx.CreateTransaction(ctx, &model.Transaction{
				ID:        id,
				Owner:     model.Buyer("b1"),
				Reference: "ref-1",
				Kind:      model.TransactionDeposit,
				Amount:    decimal.NewFromInt(10),
				Fee:       decimal.Zero,
				Status:    model.TransactionPending,
			})
		})
	}

	require.NoError(t, create("t1"))
	err := create("t2")
	require.ErrorIs(t, err, model.ErrDuplicateReference)
	require.ErrorIs(t, err, model.ErrValidation)

	tr, err := repo.GetTransactionByReference(ctx, "ref-1")
	require.NoError(t, err)
	assert.Equal(t, "t1", tr.ID)
}

func TestMemoryRepository_SumOpenEscrowsSkipsTerminal(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	err := repo.WithTx(ctx, func(tx Tx) error {
		for i, st := range []model.EscrowStatus{model.EscrowHolding, model.EscrowReleased, model.EscrowDisputed} {
			e := &model.Escrow{
				ID:       string(rune('a' + i)),
				OrderID:  "o" + string(rune('a'+i)),
				BuyerID:  "b1",
				SellerID: "s1",
				Amount:   decimal.NewFromInt(100),
				Status:   st,
			}
			if err := tx.CreateEscrow(ctx, e); err != nil {
				return err
			}
		}
		buyers, sellers, err := tx.SumOpenEscrows(ctx)
		require.NoError(t, err)
		assert.True(t, decimal.NewFromInt(200).Equal(buyers["b1"]))
		assert.True(t, decimal.NewFromInt(200).Equal(sellers["s1"]))
		return nil
	})
	require.NoError(t, err)
}

func TestMemoryRepository_ListStaleWithdrawals(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	unknownAt := base.Add(3 * time.Hour)

	seed := []struct {
		id        string
		status    model.WithdrawalStatus
		createdAt time.Time
		unknownAt *time.Time
	}{
		{"a", model.WithdrawalPending, base, nil},
		{"b", model.WithdrawalProcessing, base.Add(time.Hour), nil},
		{"c", model.WithdrawalPending, base.Add(2 * time.Hour), nil},
		{"d", model.WithdrawalPending, base.Add(150 * time.Minute), &unknownAt},
	}

	err := repo.WithTx(ctx, func(tx Tx) error {
		for _, sw := range seed {
			w := &model.Withdrawal{
				ID:               sw.id,
				SellerID:         "s1",
				Amount:           decimal.NewFromInt(10),
				NetAmount:        decimal.NewFromInt(10),
				Status:           sw.status,
				Reference:        "wd_" + sw.id,
				OutcomeUnknownAt: sw.unknownAt,
				CreatedAt:        sw.createdAt,
			}
			if err := tx.CreateWithdrawal(ctx, w); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	ids := func(ws []model.Withdrawal) []string {
		res := make([]string, 0, len(ws))
		for _, w := range ws {
			res = append(res, w.ID)
		}
		return res
	}

	tests := []struct {
		name            string
		unknownBefore   time.Time
		abandonedBefore time.Time
		want            []string
	}{
		{"nothing stale", base.Add(time.Hour), base.Add(-time.Hour), []string{}},
		{"unknown outcome past grace", base.Add(4 * time.Hour), base.Add(90 * time.Minute), []string{"a", "d"}},
		{"unknown outcome still in grace", base.Add(2 * time.Hour), base.Add(5 * time.Hour), []string{"a", "c"}},
		{"all pending", base.Add(5 * time.Hour), base.Add(5 * time.Hour), []string{"a", "c", "d"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stale, err := repo.ListStaleWithdrawals(ctx, tt.unknownBefore, tt.abandonedBefore, 10)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ids(stale))
		})
	}

	limited, err := repo.ListStaleWithdrawals(ctx, base.Add(5*time.Hour), base.Add(5*time.Hour), 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, ids(limited))
}

func TestMemoryRepository_PayoutProfile(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	_, err := repo.GetPayoutProfile(ctx, "s1")
	require.ErrorIs(t, err, model.ErrNotFound)

	require.NoError(t, repo.SavePayoutProfile(ctx, &model.PayoutProfile{
		SellerID:      "s1",
		Bank:          model.BankDetails{BankCode: "058", AccountNumber: "0123456789", AccountName: "Seller One"},
		RecipientCode: "RCP_1",
	}))

	p, err := repo.GetPayoutProfile(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "RCP_1", p.RecipientCode)
	assert.False(t, p.UpdatedAt.IsZero())
}

func TestMemoryRepository_CanceledContext(t *testing.T) {
	repo := NewMemoryRepository()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := repo.WithTx(ctx, func(tx Tx) error {
		called = true
		return nil
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}
